package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"quantback/internal/market"
	"quantback/internal/strategy"
)

// 批量回测任务状态。
const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusFailed  = "failed"
)

// BatchRequest 为一次批量回测请求。Strategies 为空时跑当前快照的全部策略。
type BatchRequest struct {
	Strategies []string `json:"strategies"`
	Start      string   `json:"start" binding:"required"`
	End        string   `json:"end" binding:"required"`
}

// BatchJob 记录一次批量回测的进度，对外只读。
type BatchJob struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Strategies []string  `json:"strategies"`
	Start      string    `json:"start"`
	End        string    `json:"end"`
	RunIDs     []string  `json:"run_ids,omitempty"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (j *BatchJob) copy() BatchJob {
	out := *j
	out.Strategies = append([]string(nil), j.Strategies...)
	out.RunIDs = append([]string(nil), j.RunIDs...)
	return out
}

// SnapshotFunc 提供当前策略快照，由热加载 Watcher 注入。
type SnapshotFunc func() strategy.Snapshot

// Service 受理批量回测任务：解析策略名、异步跑编排器、落盘结果。
// 同一时刻只跑一批，后到的任务排队。
type Service struct {
	base     OrchestratorConfig
	store    *ResultStore
	snapshot SnapshotFunc

	sem chan struct{}

	mu   sync.RWMutex
	jobs map[string]*BatchJob

	baseCtx context.Context
}

// NewService 创建服务。store 可为空，此时结果只留在内存任务里不落盘。
func NewService(base OrchestratorConfig, store *ResultStore, snapshot SnapshotFunc) (*Service, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("策略快照来源不能为空")
	}
	return &Service{
		base:     base,
		store:    store,
		snapshot: snapshot,
		sem:      make(chan struct{}, 1),
		jobs:     make(map[string]*BatchJob),
		baseCtx:  context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// Submit 受理一次批量回测，立即返回任务句柄。
func (s *Service) Submit(req BatchRequest) (BatchJob, error) {
	start, end, err := parseRange(req.Start, req.End)
	if err != nil {
		return BatchJob{}, err
	}
	strategies, err := s.resolve(req.Strategies)
	if err != nil {
		return BatchJob{}, err
	}

	names := make([]string, len(strategies))
	for i, st := range strategies {
		names[i] = st.Name
	}
	job := &BatchJob{
		ID:         uuid.NewString(),
		Status:     JobStatusPending,
		Strategies: names,
		Start:      start.String(),
		End:        end.String(),
		StartedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	log.Infof("批量回测 %s 提交: %d 条策略, 区间 [%s, %s]", job.ID, len(names), start, end)

	go s.run(job.ID, strategies, start, end)
	return job.copy(), nil
}

func (s *Service) run(jobID string, strategies []*strategy.Compiled, start, end market.Date) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		s.update(jobID, func(j *BatchJob) {
			j.Status = JobStatusFailed
			j.Message = "服务已关闭"
		})
		return
	}
	defer func() { <-s.sem }()

	s.update(jobID, func(j *BatchJob) { j.Status = JobStatusRunning })

	cfg := s.base
	cfg.Start = start
	cfg.End = end
	orch := NewOrchestrator(cfg)

	var results []*Result
	var err error
	if s.store != nil {
		results, err = orch.RunAndSave(s.ctx(), strategies, s.store)
	} else {
		results = orch.RunAll(s.ctx(), strategies)
	}

	runIDs := make([]string, 0, len(results))
	failed := 0
	for _, res := range results {
		if res == nil {
			continue
		}
		runIDs = append(runIDs, res.RunID)
		if res.Status == RunStatusFailed {
			failed++
		}
	}
	s.update(jobID, func(j *BatchJob) {
		j.RunIDs = runIDs
		switch {
		case err != nil:
			j.Status = JobStatusFailed
			j.Message = err.Error()
		case failed == len(results) && len(results) > 0:
			j.Status = JobStatusFailed
			j.Message = "全部策略回测失败"
		default:
			j.Status = JobStatusDone
			if failed > 0 {
				j.Message = fmt.Sprintf("%d 条策略失败", failed)
			}
		}
	})
	log.Infof("批量回测 %s 结束: %d 次运行, %d 失败", jobID, len(runIDs), failed)
}

// Job 返回任务快照。
func (s *Service) Job(id string) (BatchJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return BatchJob{}, false
	}
	return job.copy(), true
}

// Jobs 返回全部任务快照，提交时间倒序。
func (s *Service) Jobs() []BatchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BatchJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.copy())
	}
	sortJobs(out)
	return out
}

// Strategies 返回当前快照里的策略定义，接口层直接回给前端。
func (s *Service) Strategies() strategy.Snapshot {
	return s.snapshot()
}

func (s *Service) update(jobID string, fn func(*BatchJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		fn(job)
		job.UpdatedAt = time.Now()
	}
}

func parseRange(startStr, endStr string) (market.Date, market.Date, error) {
	start, err := market.ParseDate(startStr)
	if err != nil {
		return 0, 0, fmt.Errorf("start: %w", err)
	}
	end, err := market.ParseDate(endStr)
	if err != nil {
		return 0, 0, fmt.Errorf("end: %w", err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("end %s 早于 start %s", end, start)
	}
	return start, end, nil
}

func sortJobs(jobs []BatchJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].StartedAt.After(jobs[j].StartedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func (s *Service) resolve(names []string) ([]*strategy.Compiled, error) {
	snap := s.snapshot()
	if len(snap.Strategies) == 0 {
		return nil, fmt.Errorf("当前没有已加载的策略")
	}
	if len(names) == 0 {
		return snap.Strategies, nil
	}
	byName := make(map[string]*strategy.Compiled, len(snap.Strategies))
	for _, st := range snap.Strategies {
		byName[st.Name] = st
	}
	out := make([]*strategy.Compiled, 0, len(names))
	for _, name := range names {
		st, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("策略 %s 不存在", name)
		}
		out = append(out, st)
	}
	return out, nil
}
