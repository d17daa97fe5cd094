package ratelimit

import "testing"

func newTestLimiter(t *testing.T, limit int64) *DefaultRateLimiter {
	t.Helper()
	rl, err := NewRateLimiter(&Config{
		Enabled: true,
		Limits:  []LimitRule{{Type: LimitTypeCount, Window: WindowMinute, Limit: limit}},
	}, NewMemoryStore())
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	return rl
}

func TestCheckAndRecord_AllowsUpToLimit(t *testing.T) {
	rl := newTestLimiter(t, 2)

	for i := 0; i < 2; i++ {
		res, err := rl.CheckAndRecord(t.Context(), ScopeSession, "tenant-a:bot:user-1:email", 0, 1)
		if err != nil {
			t.Fatalf("CheckAndRecord: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d: want allowed, got denied: %s", i, res.Reason)
		}
	}

	res, err := rl.CheckAndRecord(t.Context(), ScopeSession, "tenant-a:bot:user-1:email", 0, 1)
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if res.Allowed {
		t.Fatal("want denied once the window's count limit is exceeded")
	}
}

func TestCheckAndRecord_ScopesIndependently(t *testing.T) {
	rl := newTestLimiter(t, 1)

	if _, err := rl.CheckAndRecord(t.Context(), ScopeSession, "tenant-a:bot:user-1:email", 0, 1); err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	res, err := rl.CheckAndRecord(t.Context(), ScopeSession, "tenant-a:bot:user-2:email", 0, 1)
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if !res.Allowed {
		t.Fatal("a distinct identifier must not share the first identifier's quota")
	}
}

func TestDefaultRateLimiter_DisabledAlwaysAllows(t *testing.T) {
	rl, err := NewRateLimiter(&Config{Enabled: false}, NewMemoryStore())
	if err != nil {
		t.Fatalf("NewRateLimiter: %v", err)
	}
	res, err := rl.CheckAndRecord(t.Context(), ScopeSession, "tenant-a:bot:user-1:email", 0, 1)
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if !res.Allowed {
		t.Fatal("a disabled limiter must always allow")
	}
}
