package cache

type node[T any] struct {
	data T
	prev *node[T]
	next *node[T]
}

// doublyLinkedList orders cache keys from most (head) to least (tail) recently used.
type doublyLinkedList[T any] struct {
	head *node[T]
	tail *node[T]
	size int
}

func newDoublyLinkedList[T any]() *doublyLinkedList[T] {
	return &doublyLinkedList[T]{}
}

func (dll *doublyLinkedList[T]) count() int {
	return dll.size
}

func (dll *doublyLinkedList[T]) addToHead(data T) *node[T] {
	n := &node[T]{data: data}
	dll.pushHead(n)
	return n
}

// pushHead links an unchained node at the head.
func (dll *doublyLinkedList[T]) pushHead(n *node[T]) {
	n.prev = nil
	n.next = dll.head
	if dll.head != nil {
		dll.head.prev = n
	} else {
		dll.tail = n
	}
	dll.head = n
	dll.size++
}

func (dll *doublyLinkedList[T]) deleteFromTail() (T, bool) {
	var d T
	if dll.tail == nil {
		return d, false
	}
	n := dll.tail
	dll.delete(n)
	return n.data, true
}

// delete unchains n from the list.
func (dll *doublyLinkedList[T]) delete(n *node[T]) bool {
	if n == nil {
		return false
	}
	if n == dll.head {
		dll.head = n.next
	}
	if n == dll.tail {
		dll.tail = n.prev
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	n.next = nil
	n.prev = nil
	dll.size--
	return true
}
