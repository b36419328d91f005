package fingerprint

import (
	"testing"

	gateway "github.com/fulcrumhq/inferencegate/internal"
)

func sampleRequest() gateway.NormalizedRequest {
	return gateway.NormalizedRequest{
		RequestID: "req_1",
		UserID:    "key_abcdefgh",
		Model:     "mock-1",
		Messages:  []gateway.Message{{Role: gateway.RoleUser, Content: "hello"}},
		Stream:    false,
	}
}

func TestOf_InsensitiveToUserRequestIDAndStream(t *testing.T) {
	t.Parallel()
	base := sampleRequest()
	variant := base
	variant.RequestID = "req_2"
	variant.UserID = "key_zzzzzzzz"
	variant.Stream = true

	if Of(base) != Of(variant) {
		t.Error("fingerprint changed across user_id/request_id/stream-only differences")
	}
}

func TestOf_SensitiveToMessageOrder(t *testing.T) {
	t.Parallel()
	a := sampleRequest()
	a.Messages = []gateway.Message{
		{Role: gateway.RoleUser, Content: "first"},
		{Role: gateway.RoleUser, Content: "second"},
	}
	b := a
	b.Messages = []gateway.Message{
		{Role: gateway.RoleUser, Content: "second"},
		{Role: gateway.RoleUser, Content: "first"},
	}

	if Of(a) == Of(b) {
		t.Error("fingerprint did not change when message order changed")
	}
}

func TestOf_DeterministicFloatFormatting(t *testing.T) {
	t.Parallel()
	temp1, temp2 := 0.7, 0.70000001
	a := sampleRequest()
	a.Generation.Temperature = &temp1
	b := sampleRequest()
	b.Generation.Temperature = &temp2

	if Of(a) != Of(b) {
		t.Error("fingerprint differs for floats equal at 4-decimal precision")
	}
}

func TestOf_NilAndZeroGenerationDiffer(t *testing.T) {
	t.Parallel()
	a := sampleRequest()
	zero := 0.0
	b := sampleRequest()
	b.Generation.Temperature = &zero

	if Of(a) == Of(b) {
		t.Error("fingerprint must distinguish absent temperature from 0.0")
	}
}

func TestOf_Deterministic(t *testing.T) {
	t.Parallel()
	req := sampleRequest()
	if Of(req) != Of(req) {
		t.Error("fingerprint is not deterministic for identical input")
	}
}
