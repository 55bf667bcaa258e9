package quirks

import "testing"

func TestLookupExactRevision(t *testing.T) {
	tbl := Table{
		ID{1, 2, 3}.Key(): {DisablePINRetries: true},
		ID{1, 2, 0}.Key(): {ModuloSplitRead: 64},
	}
	h := tbl.Lookup(ID{1, 2, 3})
	if !h.DisablePINRetries {
		t.Fatal("expected exact-revision row to win")
	}
}

func TestLookupFallsBackToAnyRevision(t *testing.T) {
	tbl := Table{
		ID{1, 2, 0}.Key(): {ModuloSplitRead: 64},
	}
	h := tbl.Lookup(ID{1, 2, 9})
	if h.ModuloSplitRead != 64 {
		t.Fatalf("expected fallback row, got %+v", h)
	}
}

func TestLookupMiss(t *testing.T) {
	tbl := Table{}
	h := tbl.Lookup(ID{9, 9, 9})
	if h.PreOpen != nil || h.PostOpen != nil || h.DisablePINRetries || h.ModuloSplitRead != 0 || h.ForceShortAPDU {
		t.Fatalf("expected zero-value hooks for unknown reader, got %+v", h)
	}
}

func TestDefaultTableHasKnownQuirks(t *testing.T) {
	h := Default.Lookup(ID{VendorID: 0x072F, ProductID: 0x90CC})
	if h.ModuloSplitRead != 64 {
		t.Fatalf("expected the modulo-64 split-read quirk, got %+v", h)
	}
}
