package db

import "testing"

func TestLockKey(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		same bool
	}{
		{name: "deterministic", a: "sync_run:acct_1", b: "sync_run:acct_1", same: true},
		{name: "distinct accounts", a: "sync_run:acct_1", b: "sync_run:acct_2", same: false},
		{name: "distinct namespaces", a: "sync_run:acct_1", b: "wipe:acct_1", same: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka, kb := LockKey(tt.a), LockKey(tt.b)
			if (ka == kb) != tt.same {
				t.Errorf("LockKey(%q)=%d LockKey(%q)=%d, same=%v want %v", tt.a, ka, tt.b, kb, ka == kb, tt.same)
			}
		})
	}
}

func TestLockKeyStable(t *testing.T) {
	// Lock keys are persisted implicitly in pg_locks across processes; the
	// hash must never change between releases.
	if got := LockKey(""); got != -3750763034362895579 {
		t.Errorf("LockKey(\"\") = %d, want FNV-64a offset basis", got)
	}
}
