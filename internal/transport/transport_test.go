package transport

import (
	"errors"
	"net/textproto"
	"testing"

	"github.com/matheus3301/postbox/internal/errs"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want errs.Class
	}{
		{&textproto.Error{Code: 550, Msg: "no such user"}, errs.BadAddress},
		{&textproto.Error{Code: 553, Msg: "mailbox name not allowed"}, errs.BadAddress},
		{&textproto.Error{Code: 554, Msg: "rejected"}, errs.Permanent},
		{&textproto.Error{Code: 452, Msg: "try later"}, errs.Transient},
		{errors.New("connection reset"), errs.Transient},
	}
	for _, tt := range tests {
		got := Classify("smtp rcpt", tt.err)
		if errs.ClassOf(got) != tt.want {
			t.Errorf("Classify(%v) class = %v, want %v", tt.err, errs.ClassOf(got), tt.want)
		}
	}
}

func TestClassifyKeepsCode(t *testing.T) {
	err := Classify("smtp rcpt", &textproto.Error{Code: 551, Msg: "user not local"})
	var te *errs.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if te.Code != 551 {
		t.Errorf("code = %d, want 551", te.Code)
	}
	if Classify("x", nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestRoleString(t *testing.T) {
	if RoleSent.String() != "sent" || RoleNone.String() != "none" {
		t.Errorf("unexpected role names %q %q", RoleSent, RoleNone)
	}
}
