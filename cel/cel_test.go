package cel

import (
	"testing"

	"github.com/sharedcode/uow"
)

func TestAdmissionRule(t *testing.T) {
	r, err := NewAdmissionRule("snapshot.class != 'Audit' && snapshot.fields <= 2")
	if err != nil {
		t.Fatalf("NewAdmissionRule failed: %v", err)
	}
	person := &uow.Snapshot{ID: uow.Identity{Class: "Person", Key: "1"}, Loaded: uow.AllFields(2)}
	audit := &uow.Snapshot{ID: uow.Identity{Class: "Audit", Key: "1"}, Loaded: uow.AllFields(1)}
	wide := &uow.Snapshot{ID: uow.Identity{Class: "Person", Key: "2"}, Loaded: uow.AllFields(5)}

	if ok, err := r.Admit(person); err != nil || !ok {
		t.Errorf("expected Person snapshot admitted, got %v, err: %v", ok, err)
	}
	if ok, _ := r.Admit(audit); ok {
		t.Error("expected Audit snapshot rejected")
	}
	if ok, _ := r.Admit(wide); ok {
		t.Error("expected wide snapshot rejected")
	}
}

func TestAdmissionRuleVersion(t *testing.T) {
	r, err := NewAdmissionRule("snapshot.version > 1")
	if err != nil {
		t.Fatalf("NewAdmissionRule failed: %v", err)
	}
	if ok, _ := r.Admit(&uow.Snapshot{Version: 1}); ok {
		t.Error("expected version 1 rejected")
	}
	if ok, _ := r.Admit(&uow.Snapshot{Version: 2}); !ok {
		t.Error("expected version 2 admitted")
	}
}

func TestAdmissionRuleErrors(t *testing.T) {
	if _, err := NewAdmissionRule(""); err == nil {
		t.Error("expected error for empty expression")
	}
	if _, err := NewAdmissionRule("snapshot.version +"); err == nil {
		t.Error("expected compile error")
	}
	if _, err := NewAdmissionRule("1 + 2"); err == nil {
		t.Error("expected error for non bool expression")
	}
}
