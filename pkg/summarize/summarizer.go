// Package summarize condenses large text corpora with a cache-accelerated
// map-reduce over an agent: changed files are chunked and summarized in
// bounded concurrent batches, then every file summary is reduced into one.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/polisai/panelflow/internal/governance"
	"github.com/polisai/panelflow/pkg/domain"
	"github.com/polisai/panelflow/pkg/engine/prompt"
	"github.com/polisai/panelflow/pkg/engine/runtime"
	"github.com/polisai/panelflow/pkg/storage"
	"github.com/polisai/panelflow/pkg/telemetry"
	"golang.org/x/sync/errgroup"
)

// Config tunes the map and reduce phases.
type Config struct {
	// ChunkBytes caps each map chunk. Zero means DefaultChunkBytes.
	ChunkBytes int
	// BatchSize is the number of concurrent chunk calls per batch. Zero means 3.
	BatchSize int
	// BatchDelay is the pause between map batches. Negative disables it.
	BatchDelay time.Duration
	// MaxRetries bounds rate-limit retries per call.
	MaxRetries int
	// RetryBackoff is the linear backoff step between rate-limit retries.
	RetryBackoff time.Duration
	// ReduceBatchSize is the most sections one reduce call receives. Values
	// below 2 mean 20.
	ReduceBatchSize int
	// ReduceBudget caps every reduce prompt in bytes. Zero means
	// prompt.DefaultBudget.
	ReduceBudget int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ChunkBytes:      DefaultChunkBytes,
		BatchSize:       3,
		BatchDelay:      time.Second,
		MaxRetries:      3,
		RetryBackoff:    2 * time.Second,
		ReduceBatchSize: 20,
		ReduceBudget:    prompt.DefaultBudget,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = DefaultChunkBytes
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.BatchDelay < 0 {
		c.BatchDelay = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.ReduceBatchSize < 2 {
		c.ReduceBatchSize = 20
	}
	if c.ReduceBudget <= 0 {
		c.ReduceBudget = prompt.DefaultBudget
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Request describes one summarization pass.
type Request struct {
	Key          storage.SummaryKey
	FolderPath   string
	Extensions   []string
	AgentID      string
	Instructions string
}

// Result reports what a pass did.
type Result struct {
	Summary   string
	FastPath  bool
	Changed   int
	Unchanged int
	Removed   int
	Chunks    int
	Calls     int
}

var _ runtime.CorpusSummarizer = (*Summarizer)(nil)

// Summarizer runs summarization passes against a summary store.
type Summarizer struct {
	cfg     Config
	invoker runtime.AgentInvoker
	store   storage.SummaryStore
	source  FileSource
	retry   *governance.RetryPolicy
}

// New creates a Summarizer. A nil source reads from the local filesystem.
func New(invoker runtime.AgentInvoker, store storage.SummaryStore, source FileSource, cfg Config) *Summarizer {
	cfg = cfg.withDefaults()
	if source == nil {
		source = DirSource{}
	}
	return &Summarizer{
		cfg:     cfg,
		invoker: invoker,
		store:   store,
		source:  source,
		retry: governance.NewRetryPolicy(governance.RetryConfig{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.RetryBackoff,
			Mode:           governance.BackoffLinear,
			Retryable: func(err error) bool {
				return errors.Is(err, domain.ErrRateLimited)
			},
		}),
	}
}

// Summarize runs a pass for a corpus-bearing node, using instructions as the
// final reduce instructions.
func (s *Summarizer) Summarize(ctx context.Context, node *domain.Node, instructions string) (string, error) {
	if node == nil || node.Corpus == nil {
		return "", fmt.Errorf("%w: node declares no corpus", domain.ErrConfigInvalid)
	}
	res, err := s.Run(ctx, Request{
		Key:          storage.SummaryKey{WorkspaceID: node.Corpus.WorkspaceID, NodeID: node.ID},
		FolderPath:   node.Corpus.FolderPath,
		Extensions:   node.Corpus.Extensions,
		AgentID:      node.AgentID,
		Instructions: instructions,
	})
	if err != nil {
		return "", err
	}
	return res.Summary, nil
}

// Run performs one summarization pass. The cache is rewritten only when the
// pass completes; cancellation or a reduce failure leaves it untouched.
func (s *Summarizer) Run(ctx context.Context, req Request) (Result, error) {
	if req.AgentID == "" {
		return Result{}, domain.ErrAgentNotConfigured
	}
	if req.FolderPath == "" {
		return Result{}, fmt.Errorf("%w: corpus folder path is empty", domain.ErrConfigInvalid)
	}

	start := s.cfg.Now()
	logger := s.cfg.Logger.With("workspace_id", req.Key.WorkspaceID, "node_id", int(req.Key.NodeID))

	files, err := s.source.List(ctx, req.FolderPath, req.Extensions)
	if err != nil {
		return Result{}, err
	}
	files = nonBlank(files)

	cache, err := s.loadCache(ctx, req)
	if err != nil {
		return Result{}, err
	}

	diff := Diff(cache, files, req.FolderPath)
	s.cfg.Metrics.RecordDiff(len(diff.Changed), len(diff.Unchanged), len(diff.Removed))
	res := Result{Changed: len(diff.Changed), Unchanged: len(diff.Unchanged), Removed: len(diff.Removed)}

	if len(diff.Changed) == 0 && len(diff.Removed) == 0 && cache != nil && cache.ReducedSummary != "" {
		s.cfg.Metrics.RecordFastPath()
		logger.Info("corpus unchanged, reusing reduced summary", "files", len(diff.Unchanged))
		res.Summary = cache.ReducedSummary
		res.FastPath = true
		return res, nil
	}

	var calls atomic.Int64
	summaries, chunks, err := s.mapPhase(ctx, req.AgentID, diff.Changed, &calls)
	res.Chunks = chunks
	if err != nil {
		res.Calls = int(calls.Load())
		return res, err
	}

	now := s.cfg.Now()
	next := domain.NewSummaryCache(req.FolderPath)
	for _, f := range diff.Unchanged {
		next.Files[f.Path] = cache.Files[f.Path]
	}
	for _, f := range diff.Changed {
		next.Files[f.Path] = domain.FileSummary{ContentHash: f.Hash, Summary: summaries[f.Path], SummarizedAt: now}
	}

	reduced, err := s.reduce(ctx, req.AgentID, req.Instructions, sections(next), &calls)
	res.Calls = int(calls.Load())
	if err != nil {
		return res, err
	}

	next.ReducedSummary = reduced
	reducedAt := s.cfg.Now()
	next.ReducedAt = &reducedAt

	if err := s.store.Save(ctx, req.Key, next); err != nil {
		return res, fmt.Errorf("save summary cache: %w", err)
	}

	s.cfg.Metrics.RecordPass(s.cfg.Now().Sub(start))
	logger.Info("corpus summarized",
		"changed", res.Changed,
		"unchanged", res.Unchanged,
		"removed", res.Removed,
		"chunks", res.Chunks,
		"calls", res.Calls,
	)

	res.Summary = reduced
	return res, nil
}

// loadCache returns nil when no usable cache exists. A cache written for a
// different folder or layout version is ignored.
func (s *Summarizer) loadCache(ctx context.Context, req Request) (*domain.SummaryCache, error) {
	cache, err := s.store.Load(ctx, req.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load summary cache: %w", err)
	}
	if cache.Version != domain.SummaryCacheVersion || cache.FolderPath != req.FolderPath {
		s.cfg.Logger.Warn("discarding incompatible summary cache",
			"key", req.Key.String(),
			"version", cache.Version,
			"folder_path", cache.FolderPath,
		)
		return nil, nil
	}
	return cache, nil
}

type chunkTask struct {
	path  string
	file  int
	index int
	total int
	text  string
}

// mapPhase summarizes every chunk of the changed files. Failed chunks record an
// empty summary. Only cancellation aborts the phase.
func (s *Summarizer) mapPhase(ctx context.Context, agentID string, changed []ChangedFile, calls *atomic.Int64) (map[string]string, int, error) {
	var tasks []chunkTask
	results := make([][]string, len(changed))
	for i, f := range changed {
		chunks := SplitChunks(f.Content, s.cfg.ChunkBytes)
		results[i] = make([]string, len(chunks))
		for j, text := range chunks {
			tasks = append(tasks, chunkTask{path: f.Path, file: i, index: j, total: len(chunks), text: text})
		}
	}
	s.cfg.Metrics.RecordChunks(len(tasks))

	for start := 0; start < len(tasks); start += s.cfg.BatchSize {
		if start > 0 && s.cfg.BatchDelay > 0 {
			timer := time.NewTimer(s.cfg.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, len(tasks), ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, len(tasks), err
		}

		end := min(start+s.cfg.BatchSize, len(tasks))
		var g errgroup.Group
		for _, task := range tasks[start:end] {
			g.Go(func() error {
				results[task.file][task.index] = s.summarizeChunk(ctx, agentID, task, calls)
				return nil
			})
		}
		_ = g.Wait()
	}

	if err := ctx.Err(); err != nil {
		return nil, len(tasks), err
	}

	summaries := make(map[string]string, len(changed))
	for i, f := range changed {
		parts := make([]string, 0, len(results[i]))
		for _, part := range results[i] {
			if strings.TrimSpace(part) != "" {
				parts = append(parts, part)
			}
		}
		summaries[f.Path] = strings.Join(parts, "\n\n")
	}
	return summaries, len(tasks), nil
}

func (s *Summarizer) summarizeChunk(ctx context.Context, agentID string, task chunkTask, calls *atomic.Int64) string {
	input := mapPrompt(task)
	var out string
	_, err := s.retry.Execute(ctx, func(ctx context.Context, _ int) error {
		calls.Add(1)
		started := time.Now()
		text, err := runtime.CallAgent(ctx, s.invoker, agentID, input)
		s.cfg.Metrics.RecordAgentCall("map", callStatus(err), time.Since(started))
		out = text
		return err
	}, func(n governance.RetryNotice) {
		s.cfg.Metrics.RecordRateLimitRetry()
		s.cfg.Logger.Debug("retrying rate limited chunk", "path", task.path, "chunk", task.index, "attempt", n.Attempt)
	})
	if err != nil {
		if ctx.Err() == nil {
			s.cfg.Logger.Warn("chunk summary failed", "path", task.path, "chunk", task.index, "error", err)
		}
		return ""
	}
	return out
}

// reduce folds sections into one summary. While the sections exceed
// ReduceBatchSize or do not fit one final prompt, they are reduced a level at a
// time in batches bounded by count and by ReduceBudget. Levels stop once they
// no longer shrink the input; the final prompt is then truncated to fit. Any
// failed reduce call aborts.
func (s *Summarizer) reduce(ctx context.Context, agentID, instructions string, sections []string, calls *atomic.Int64) (string, error) {
	if len(sections) == 0 {
		return "", nil
	}

	head := finalHead(instructions)
	for level := 1; len(sections) > s.cfg.ReduceBatchSize || len(head)+joinedLen(sections) > s.cfg.ReduceBudget; level++ {
		next := make([]string, 0, len(sections)/s.cfg.ReduceBatchSize+1)
		for _, batch := range s.reduceBatches(sections) {
			out, err := s.callReduce(ctx, agentID, intermediateHead+strings.Join(batch, sectionSep), calls)
			if err != nil {
				return "", fmt.Errorf("reduce level %d: %w", level, err)
			}
			if strings.TrimSpace(out) != "" {
				next = append(next, fmt.Sprintf("## Part %d\n%s", len(next)+1, out))
			}
		}

		shrunk := len(next) < len(sections) || joinedLen(next) < joinedLen(sections)
		sections = next
		if !shrunk {
			s.cfg.Logger.Warn("reduce level did not shrink summaries, truncating final prompt", "level", level, "sections", len(sections))
			break
		}
	}

	if len(sections) == 0 {
		return "", nil
	}
	out, err := s.callReduce(ctx, agentID, s.finalPrompt(head, sections), calls)
	if err != nil {
		return "", fmt.Errorf("final reduce: %w", err)
	}
	return out, nil
}

// reduceBatches groups sections into consecutive batches of at most
// ReduceBatchSize whose intermediate prompt fits ReduceBudget. A section too
// large for a prompt of its own is truncated.
func (s *Summarizer) reduceBatches(sections []string) [][]string {
	budget := s.cfg.ReduceBudget
	var (
		batches [][]string
		cur     []string
		size    = len(intermediateHead)
	)
	for _, sec := range sections {
		sec = prompt.Truncate(sec, budget-len(intermediateHead))
		add := len(sec)
		if len(cur) > 0 {
			add += len(sectionSep)
		}
		if len(cur) > 0 && (len(cur) == s.cfg.ReduceBatchSize || size+add > budget) {
			batches = append(batches, cur)
			cur, size, add = nil, len(intermediateHead), len(sec)
		}
		cur = append(cur, sec)
		size += add
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// finalPrompt joins head and sections, truncating the sections, or head itself
// when it alone is too large, to stay within ReduceBudget.
func (s *Summarizer) finalPrompt(head string, sections []string) string {
	budget := s.cfg.ReduceBudget
	if len(head) >= budget {
		return prompt.Truncate(head, budget)
	}
	return head + prompt.Truncate(strings.Join(sections, sectionSep), budget-len(head))
}

func (s *Summarizer) callReduce(ctx context.Context, agentID, input string, calls *atomic.Int64) (string, error) {
	var out string
	_, err := s.retry.Execute(ctx, func(ctx context.Context, _ int) error {
		calls.Add(1)
		started := time.Now()
		text, err := runtime.CallAgent(ctx, s.invoker, agentID, input)
		s.cfg.Metrics.RecordAgentCall("reduce", callStatus(err), time.Since(started))
		out = text
		return err
	}, nil)
	return out, err
}

// sections renders the non-empty file summaries of cache in path order.
func sections(cache *domain.SummaryCache) []string {
	paths := make([]string, 0, len(cache.Files))
	for path, fs := range cache.Files {
		if strings.TrimSpace(fs.Summary) != "" {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	out := make([]string, 0, len(paths))
	for _, path := range paths {
		out = append(out, fmt.Sprintf("## %s\n%s", path, cache.Files[path].Summary))
	}
	return out
}

func nonBlank(files []domain.SourceFile) []domain.SourceFile {
	out := files[:0:0]
	for _, f := range files {
		if strings.TrimSpace(f.Content) != "" {
			out = append(out, f)
		}
	}
	return out
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	default:
		return "failed"
	}
}

func mapPrompt(task chunkTask) string {
	if task.total <= 1 {
		return fmt.Sprintf("Summarize the file %s. Keep names, decisions, and facts a reader of the whole corpus would need.\n\n%s",
			task.path, task.text)
	}
	return fmt.Sprintf("Summarize part %d of %d of the file %s. Keep names, decisions, and facts a reader of the whole corpus would need.\n\n%s",
		task.index+1, task.total, task.path, task.text)
}

const (
	intermediateHead = "Combine the following file summaries into one consolidated summary. Preserve file names and key details.\n\n"
	sectionSep       = "\n\n"
)

func finalHead(instructions string) string {
	if strings.TrimSpace(instructions) == "" {
		instructions = "Produce a single cohesive summary of this corpus."
	}
	return instructions + "\n\nFile summaries:\n\n"
}

// joinedLen is the byte length of sections joined with sectionSep.
func joinedLen(sections []string) int {
	if len(sections) == 0 {
		return 0
	}
	n := len(sectionSep) * (len(sections) - 1)
	for _, sec := range sections {
		n += len(sec)
	}
	return n
}
