package redemption

import "testing"

func TestComputeHashDeterministic(t *testing.T) {
	a := ComputeHash("m1", "carol", []string{"l1", "l2"}, "salt")
	b := ComputeHash("m1", "carol", []string{"l2", "l1"}, "salt")
	if a != b {
		t.Fatal("hash should be independent of license order")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestComputeHashDistinguishesInputs(t *testing.T) {
	base := ComputeHash("m1", "carol", []string{"l1"}, "salt")

	variants := []string{
		ComputeHash("m2", "carol", []string{"l1"}, "salt"),
		ComputeHash("m1", "dave", []string{"l1"}, "salt"),
		ComputeHash("m1", "carol", []string{"l2"}, "salt"),
		ComputeHash("m1", "carol", []string{"l1"}, "other-salt"),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collides with base hash", i)
		}
	}
}

func TestComputeHashDoesNotMutateInput(t *testing.T) {
	ids := []string{"l2", "l1"}
	ComputeHash("m1", "carol", ids, "salt")
	if ids[0] != "l2" || ids[1] != "l1" {
		t.Fatalf("input slice mutated: %v", ids)
	}
}
