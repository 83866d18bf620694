// SPDX-License-Identifier: Apache-2.0
package core

import (
	"context"
	"testing"
	"time"
)

func TestStaticHealthChecker(t *testing.T) {
	tests := []struct {
		name   string
		status HealthStatus
	}{
		{"healthy", HealthHealthy},
		{"degraded", HealthDegraded},
		{"unhealthy", HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := StaticHealthChecker(tt.status, "test message").Check(context.Background())
			if result.Status != tt.status {
				t.Errorf("expected %v, got %v", tt.status, result.Status)
			}
			if result.LastCheck.IsZero() {
				t.Errorf("expected LastCheck to be set")
			}
		})
	}
}

func TestHealthRegistryOverall(t *testing.T) {
	tests := []struct {
		name     string
		statuses []HealthStatus
		expected HealthStatus
	}{
		{"all healthy", []HealthStatus{HealthHealthy, HealthHealthy}, HealthHealthy},
		{"degraded wins over healthy", []HealthStatus{HealthHealthy, HealthDegraded}, HealthDegraded},
		{"unhealthy wins", []HealthStatus{HealthDegraded, HealthUnhealthy, HealthHealthy}, HealthUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewHealthRegistry()
			for i, s := range tt.statuses {
				reg.Register(string(rune('a'+i)), StaticHealthChecker(s, ""))
			}
			results, overall := reg.CheckAll(context.Background())
			if len(results) != len(tt.statuses) {
				t.Fatalf("expected %d results, got %d", len(tt.statuses), len(results))
			}
			if results[0].Component != "a" {
				t.Errorf("expected sorted components, got %q first", results[0].Component)
			}
			if overall != tt.expected {
				t.Errorf("expected %v overall, got %v", tt.expected, overall)
			}
		})
	}
}

func TestHealthRegistryCheckNotFound(t *testing.T) {
	if _, err := NewHealthRegistry().Check(context.Background(), "missing"); err == nil {
		t.Errorf("expected error for unregistered checker")
	}
}

func TestHealthCheckRespectsContext(t *testing.T) {
	reg := NewHealthRegistry()
	reg.Register("slow", HealthCheckFunc(func(ctx context.Context) HealthResult {
		select {
		case <-ctx.Done():
			return HealthResult{Status: HealthUnhealthy, Message: "context timeout"}
		case <-time.After(100 * time.Millisecond):
			return HealthResult{Status: HealthHealthy}
		}
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result, err := reg.Check(ctx, "slow")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != HealthUnhealthy {
		t.Errorf("expected Unhealthy due to timeout")
	}
}
