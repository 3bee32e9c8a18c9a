package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"enigmacode/pkg/license"
)

func seedMemory(t *testing.T) (*Memory, *license.Credential) {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	if err := m.CreateDeployment(ctx, &Deployment{ID: "d1", Name: "demo", Active: true, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	cred := &license.Credential{
		ID: "c1", Secret: "KEY-1", DeploymentID: "d1",
		Kind: license.KindPermanent, Status: license.StatusActive,
		IssuedAt: time.Now(), MaxActivations: 1,
	}
	if err := m.CreateCredential(ctx, cred); err != nil {
		t.Fatalf("create credential: %v", err)
	}
	return m, cred
}

func TestMemoryFindCredential(t *testing.T) {
	m, _ := seedMemory(t)
	ctx := context.Background()
	got, err := m.FindCredential(ctx, "KEY-1", "d1")
	if err != nil || got.ID != "c1" {
		t.Fatalf("find: %v %+v", err, got)
	}
	if _, err := m.FindCredential(ctx, "KEY-1", "other"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryTryActivateConcurrent(t *testing.T) {
	m, _ := seedMemory(t)
	ctx := context.Background()
	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := m.TryActivate(ctx, "c1")
			if err != nil {
				t.Errorf("try activate: %v", err)
				return
			}
			if ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("maxActivations=1 admitted %d winners", successes)
	}
}

func TestMemoryActivationHistoryCap(t *testing.T) {
	m, _ := seedMemory(t)
	ctx := context.Background()
	for i := 0; i < activationHistoryCap+20; i++ {
		err := m.RecordActivation(ctx, Activation{
			CredentialID: "c1",
			Outcome:      "OK",
			At:           time.Now().Add(time.Duration(i) * time.Second),
			Origin:       fmt.Sprintf("origin-%d", i),
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	hist, err := m.ListActivations(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(hist) != activationHistoryCap {
		t.Fatalf("history not capped: %d", len(hist))
	}
	if hist[0].Origin != fmt.Sprintf("origin-%d", activationHistoryCap+19) {
		t.Fatalf("newest entry must come first, got %s", hist[0].Origin)
	}
}

func TestMemoryBanByCaller(t *testing.T) {
	m, _ := seedMemory(t)
	ctx := context.Background()
	for i := 2; i <= 4; i++ {
		err := m.CreateCredential(ctx, &license.Credential{
			ID: fmt.Sprintf("c%d", i), Secret: fmt.Sprintf("KEY-%d", i),
			DeploymentID: "d1", Status: license.StatusActive, BoundCallerID: "caller-9",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	n, err := m.BanByCaller(ctx, "d1", "caller-9", "tamper detected")
	if err != nil || n != 3 {
		t.Fatalf("expected 3 bans, got %d err %v", n, err)
	}
	got, _ := m.FindCredential(ctx, "KEY-3", "d1")
	if got.Status != license.StatusBanned {
		t.Fatalf("credential not banned: %+v", got)
	}
	if n, _ := m.BanByCaller(ctx, "d1", "", "x"); n != 0 {
		t.Fatal("empty caller id must ban nothing")
	}
}

func TestMemoryStatsAndStatus(t *testing.T) {
	m, _ := seedMemory(t)
	ctx := context.Background()
	if err := m.IncrementDeploymentStats(ctx, "d1", StatsDelta{Validations: 2, Failures: 1}); err != nil {
		t.Fatalf("stats: %v", err)
	}
	dep, _ := m.FindDeployment(ctx, "d1")
	if dep.TotalValidations != 2 || dep.TotalFailures != 1 {
		t.Fatalf("stats not applied: %+v", dep)
	}
	if err := m.SetCredentialStatus(ctx, "c1", license.StatusExpired); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ := m.FindCredential(ctx, "KEY-1", "d1")
	if got.Status != license.StatusExpired {
		t.Fatalf("status not updated: %+v", got)
	}
}
