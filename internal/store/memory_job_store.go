package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/mdflow/internal/domain"
	"github.com/dunamismax/mdflow/internal/id"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(_ context.Context, req domain.NewJob) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := req.Build(id.New(), s.now())
	s.jobs[job.ID] = job
	return job.Clone(), nil
}

func (s *MemoryJobStore) Get(_ context.Context, jobID string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, false, nil
	}
	return job.Clone(), true, nil
}

func (s *MemoryJobStore) Update(_ context.Context, jobID string, patch domain.JobPatch) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	job = job.Clone()
	if err := job.Apply(patch, s.now()); err != nil {
		return domain.Job{}, fmt.Errorf("update job %s: %w", jobID, err)
	}
	s.jobs[jobID] = job
	return job.Clone(), nil
}

func (s *MemoryJobStore) List(_ context.Context) ([]domain.Job, error) {
	s.mu.RLock()
	jobs := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(jobs)
	return jobs, nil
}

func (s *MemoryJobStore) Prune(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for jobID, job := range s.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(before) {
			delete(s.jobs, jobID)
			removed++
		}
	}
	return removed, nil
}

func sortNewestFirst(jobs []domain.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}
