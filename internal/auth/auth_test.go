package auth

import (
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestVerify(t *testing.T) {
	hash, err := HashKey([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	adminHash, _ := HashKey([]byte("root"), bcrypt.MinCost)
	a := New(map[string]string{"hostA": hash}, adminHash)

	tests := []struct {
		name    string
		host    string
		key     string
		wantErr error
	}{
		{"good key", "hostA", "s3cret", nil},
		{"bad key", "hostA", "wrong", ErrBadKey},
		{"unknown host", "hostZ", "s3cret", ErrUnknownHost},
	}
	for _, tt := range tests {
		err := a.Verify(tt.host, []byte(tt.key))
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: Verify = %v, want %v", tt.name, err, tt.wantErr)
		}
	}
	if err := a.VerifyAdmin([]byte("root")); err != nil {
		t.Errorf("VerifyAdmin = %v", err)
	}
	if err := a.VerifyAdmin([]byte("s3cret")); !errors.Is(err, ErrBadKey) {
		t.Errorf("VerifyAdmin wrong key = %v", err)
	}
}

func TestAdminDisabled(t *testing.T) {
	a := New(nil, "")
	if err := a.VerifyAdmin([]byte("anything")); !errors.Is(err, ErrNoAdmin) {
		t.Fatalf("VerifyAdmin = %v, want ErrNoAdmin", err)
	}
	hash, _ := HashKey([]byte("k"), bcrypt.MinCost)
	a.SetPartner("late", hash)
	if err := a.Verify("late", []byte("k")); err != nil {
		t.Fatalf("Verify after SetPartner = %v", err)
	}
}
