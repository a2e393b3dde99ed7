package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/backpost/internal/storage"
)

func TestClaimOrderAndAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := enqueue(t, s, 1)
	b := enqueue(t, s, 2)
	future, err := s.Enqueue(ctx, EnqueueRequest{
		ProjectID:   3,
		TargetURL:   "https://example.com/later",
		ScheduledAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	c := NewClaimer(s, Limits{})
	j1, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, j1)
	assert.Equal(t, a.ID, j1.ID)
	assert.Equal(t, StatusRunning, j1.Status)
	assert.Equal(t, 1, j1.Attempts)
	assert.NotNil(t, j1.StartedAt)

	j2, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, j2)
	assert.Equal(t, b.ID, j2.ID)

	// Not yet due.
	j3, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, j3)

	got, err := s.Get(ctx, future.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)

	n, err := s.RunningCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := s.Mirror().List(ctx, 10)
	require.NoError(t, err)
	statuses := map[int64]Status{}
	for _, e := range entries {
		statuses[e.JobID] = e.Status
	}
	assert.Equal(t, StatusRunning, statuses[a.ID])
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := enqueue(t, s, 1)

	const workers = 16
	c := NewClaimer(s, Limits{})
	now := storage.FormatTime(time.Now())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			won, err := c.tryClaim(ctx, candidate{ID: j.ID, ProjectID: 1}, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if won {
				wins++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, wins)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestConcurrentClaimNextDistinctJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for p := int64(1); p <= 6; p++ {
		enqueue(t, s, p)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[int64]int{}
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClaimer(s, Limits{MaxPerProject: 1})
			for {
				j, err := c.ClaimNext(ctx)
				if err != nil {
					t.Errorf("ClaimNext: %v", err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 6)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %d claimed more than once", id)
	}
}

func TestPerProjectCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, 1)
	enqueue(t, s, 1)
	enqueue(t, s, 1)
	other := enqueue(t, s, 2)

	c := NewClaimer(s, Limits{MaxPerProject: 1})
	first, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, int64(1), first.ProjectID)

	second, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, other.ID, second.ID)

	third, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, third)

	byProject, err := s.RunningByProject(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, byProject[1])
	assert.Equal(t, 1, byProject[2])

	// The statement-level check holds even with a stale pre-seeded count.
	won, err := c.tryClaim(ctx, candidate{ID: first.ID + 1, ProjectID: 1}, storage.FormatTime(time.Now()))
	require.NoError(t, err)
	assert.False(t, won)

	require.NoError(t, s.Finish(ctx, first.ID, Outcome{Status: StatusSuccess}))
	next, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, int64(1), next.ProjectID)
}

func TestPerProjectCapConcurrentPostgres(t *testing.T) {
	dsn := os.Getenv("BACKPOST_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("BACKPOST_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := storage.Open(ctx, storage.Options{Driver: storage.DriverPostgres, DSN: dsn, MaxOpenConns: 16})
	if err != nil {
		t.Skip("postgres not available:", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	for _, table := range []string{"job_queue", "jobs"} {
		_, err := db.ExecContext(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}

	s := NewStore(db, nil)
	for i := 0; i < 8; i++ {
		enqueue(t, s, 1)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := NewClaimer(s, Limits{MaxPerProject: 2}).ClaimNext(ctx)
			if err != nil {
				t.Errorf("ClaimNext: %v", err)
				return
			}
			if j != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, wins)
	byProject, err := s.RunningByProject(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, byProject[1])
}

func TestTerminalJobsNeverReclaimed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := NewClaimer(s, Limits{})

	terminal := []Status{StatusSuccess, StatusPartial, StatusFailed, StatusCancelled}
	for _, st := range terminal {
		enqueue(t, s, 1)
		j, err := c.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, j)
		require.NoError(t, s.Finish(ctx, j.ID, Outcome{Status: st}))
	}

	j, err := c.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, j)
}
