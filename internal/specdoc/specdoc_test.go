package specdoc

import (
	"strings"
	"testing"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidateAcceptsWellFormedSpec(t *testing.T) {
	v := newValidator(t)
	spec := `{
		"objective": "migrate the billing tables",
		"constraints": ["no downtime", "keep old schema readable"],
		"acceptance": ["all rows migrated"],
		"metadata": {"requested_by": "ops"}
	}`
	if err := v.Validate(spec); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateAcceptsMinimalSpec(t *testing.T) {
	v := newValidator(t)
	if err := v.Validate(`{"objective":"x"}`); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsMissingObjective(t *testing.T) {
	v := newValidator(t)
	if err := v.Validate(`{"constraints":["fast"]}`); err == nil {
		t.Fatal("spec without objective accepted")
	}
	if err := v.Validate(`{"objective":""}`); err == nil {
		t.Fatal("empty objective accepted")
	}
}

func TestValidateRejectsUnknownFields(t *testing.T) {
	v := newValidator(t)
	if err := v.Validate(`{"objective":"x","surprise":true}`); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidateRejectsNonJSON(t *testing.T) {
	v := newValidator(t)
	err := v.Validate("objective: do things")
	if err == nil {
		t.Fatal("yaml-looking payload accepted")
	}
	if !strings.Contains(err.Error(), "not valid JSON") {
		t.Fatalf("error %v", err)
	}
}

func TestValidateRejectsEmptyPayload(t *testing.T) {
	v := newValidator(t)
	if err := v.Validate("   "); err == nil {
		t.Fatal("blank payload accepted")
	}
}

func TestValidateRejectsWrongTypes(t *testing.T) {
	v := newValidator(t)
	if err := v.Validate(`{"objective":42}`); err == nil {
		t.Fatal("numeric objective accepted")
	}
	if err := v.Validate(`{"objective":"x","constraints":"not an array"}`); err == nil {
		t.Fatal("string constraints accepted")
	}
}
