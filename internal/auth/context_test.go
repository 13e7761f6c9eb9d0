// ABOUTME: Unit tests for authentication context functions
// ABOUTME: Tests context propagation helpers

package auth

import (
	"context"
	"testing"
)

func TestWithAuth_RoundTrip(t *testing.T) {
	want := &AuthContext{UserID: "user-1", TenantID: "tenant-a"}
	ctx := WithAuth(context.Background(), want)

	got := FromContext(ctx)
	if got != want {
		t.Fatalf("FromContext() = %+v, want %+v", got, want)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if got := FromContext(context.Background()); got != nil {
		t.Errorf("FromContext() = %+v, want nil", got)
	}
}

func TestMustFromContext_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic without AuthContext")
		}
	}()
	MustFromContext(context.Background())
}

func TestCanAccess(t *testing.T) {
	tests := []struct {
		name   string
		caller *AuthContext
		tenant string
		want   bool
	}{
		{"same tenant", &AuthContext{UserID: "u", TenantID: "tenant-a"}, "tenant-a", true},
		{"other tenant", &AuthContext{UserID: "u", TenantID: "tenant-a"}, "tenant-b", false},
		{"empty target", &AuthContext{UserID: "u", TenantID: "tenant-a"}, "", false},
		{"empty caller tenant", &AuthContext{UserID: "u"}, "", false},
		{"nil caller", nil, "tenant-a", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.caller.CanAccess(tt.tenant); got != tt.want {
				t.Errorf("CanAccess(%q) = %v, want %v", tt.tenant, got, tt.want)
			}
		})
	}
}
