package postgres

import "testing"

func TestIdentifierKeyFormats(t *testing.T) {
	if got := TenantPartitionKey(" tenant-1 "); got != "TENANT#tenant-1" {
		t.Fatalf("tenant partition key: %q", got)
	}
	if got := ExecutionSortKey("jit-1", "exec-1"); got != "JIT_EVENT#jit-1#RUN#exec-1" {
		t.Fatalf("execution sort key: %q", got)
	}
	if got := ResourceSortKey("github_actions"); got != "RESOURCE_TYPE#github_actions" {
		t.Fatalf("resource sort key: %q", got)
	}
	if got := ResourceInUseSortKey("jit-1", "exec-1"); got != "JIT_EVENT_ID#jit-1#EXECUTION_ID#exec-1" {
		t.Fatalf("resource in-use sort key: %q", got)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	type tuple struct {
		A string `json:"a"`
		B int    `json:"b"`
	}
	encoded, err := encodeCursor(tuple{A: "x", B: 7})
	if err != nil {
		t.Fatalf("encode cursor: %v", err)
	}
	var out tuple
	if err := decodeCursor(encoded, &out); err != nil {
		t.Fatalf("decode cursor: %v", err)
	}
	if out.A != "x" || out.B != 7 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if err := decodeCursor("not!base64", &out); err == nil {
		t.Fatal("expected error for malformed cursor")
	}
}
