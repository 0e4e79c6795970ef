package auth

import "testing"

func TestValidateAcceptsFreshlySignedToken(t *testing.T) {
	v := NewValidator("test-secret")
	tok, err := v.Sign(Claims{Exp: 9999999999, Aud: "instance-1"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := v.Validate(tok, "instance-1"); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsAudienceMismatch(t *testing.T) {
	v := NewValidator("test-secret")
	tok, _ := v.Sign(Claims{Exp: 9999999999, Aud: "instance-1"})
	if err := v.Validate(tok, "instance-2"); err == nil {
		t.Fatal("expected audience mismatch error")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	v := NewValidator("test-secret")
	tok, _ := v.Sign(Claims{Exp: 1})
	if err := v.Validate(tok, ""); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	v := NewValidator("test-secret")
	tok, _ := v.Sign(Claims{Exp: 9999999999})
	tampered := tok[:len(tok)-1] + "x"
	if err := v.Validate(tampered, ""); err == nil {
		t.Fatal("expected tampered signature to be rejected")
	}
}

func TestDisabledValidatorAcceptsAnything(t *testing.T) {
	v := NewValidator("")
	if err := v.Validate("not-a-token", "anything"); err != nil {
		t.Fatalf("disabled validator should accept all tokens, got %v", err)
	}
}
