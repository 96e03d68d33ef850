package uow

import "testing"

func Test_StateTransitions(t *testing.T) {
	cases := []struct {
		name string
		op   func(State) (State, error)
		from State
		want State
		bad  bool
	}{
		{"persist transient", State.Persist, Transient, New, false},
		{"persist clean", State.Persist, Clean, Clean, false},
		{"persist deleted", State.Persist, Deleted, Deleted, true},
		{"delete new", State.Delete, New, NewDeleted, false},
		{"delete hollow", State.Delete, Hollow, Deleted, false},
		{"delete transient", State.Delete, Transient, Transient, true},
		{"flush dirty", State.Flush, Dirty, Clean, false},
		{"flush new", State.Flush, New, New, false},
		{"rollback new", State.Rollback, New, Transient, false},
		{"rollback dirty", State.Rollback, Dirty, Hollow, false},
		{"rollback deleted", State.Rollback, Deleted, Hollow, false},
		{"detach clean", State.Detach, Clean, Detached, false},
		{"detach deleted", State.Detach, Deleted, Deleted, true},
		{"evict clean", State.Evict, Clean, Hollow, false},
		{"evict dirty", State.Evict, Dirty, Dirty, false},
		{"refresh dirty", State.Refresh, Dirty, Clean, false},
		{"refresh detached", State.Refresh, Detached, Detached, true},
		{"demote new", State.Demote, New, Transient, false},
		{"demote clean", State.Demote, Clean, Clean, true},
	}
	for _, tt := range cases {
		got, err := tt.op(tt.from)
		if (err != nil) != tt.bad {
			t.Fatalf("%s: got error %v, want error %v", tt.name, err, tt.bad)
		}
		if got != tt.want {
			t.Fatalf("%s: got %s want %s", tt.name, got, tt.want)
		}
		if tt.bad && !IsUserError(err) {
			t.Fatalf("%s: illegal transition is not a UserMisuse error: %v", tt.name, err)
		}
	}
}

func Test_StateFlagTransitions(t *testing.T) {
	for _, s := range []State{New, Clean, Dirty} {
		if got, _ := s.Commit(true); got != Clean {
			t.Fatalf("commit retaining values of %s: got %s", s, got)
		}
		if got, _ := s.Commit(false); got != Hollow {
			t.Fatalf("commit of %s: got %s", s, got)
		}
	}
	if got, _ := NewDeleted.Commit(false); got != Transient {
		t.Fatalf("commit of new-deleted: got %s", got)
	}
	if got, _ := Nontransactional.Write(false); got != Nontransactional {
		t.Fatalf("nontransactional write outside a transaction: got %s", got)
	}
	if got, _ := Nontransactional.Write(true); got != Dirty {
		t.Fatalf("nontransactional write in a transaction: got %s", got)
	}
	if got, _ := Hollow.Load(false); got != Nontransactional {
		t.Fatalf("load of hollow outside a transaction: got %s", got)
	}
	if got, _ := Detached.Attach(true); got != Dirty {
		t.Fatalf("attach of dirty detached: got %s", got)
	}
	if _, err := Clean.Attach(false); err == nil {
		t.Fatalf("attach of a managed object succeeded")
	}
	if !NewDeleted.IsNew() || !NewDeleted.IsDeleted() || Detached.IsPersistent() {
		t.Fatalf("state predicates disagree")
	}
	if State(42).String() != "state(42)" {
		t.Fatalf("unknown state name: %s", State(42))
	}
}
