package job

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound はジョブ履歴が見つからない場合のエラー
var ErrNotFound = errors.New("job not found")

// Flavor はジョブが使うツールチェーン系統
type Flavor string

const (
	FlavorEVM    Flavor = "evm"
	FlavorNonEVM Flavor = "non-evm"
)

// Status はジョブ・ステージの状態を表す
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDegraded  Status = "degraded"
	StatusSkipped   Status = "skipped"
)

// Job は投入された1ファイル分の作業単位を表す。値として受け渡し、生成後に変更しない。
type Job struct {
	ID          uuid.UUID
	Source      string // 投入されたファイルの絶対パス
	Name        string // 拡張子を除いたファイル名
	Flavor      Flavor
	SubmittedAt time.Time
}

// New はソースファイルから Job を生成する
func New(source string, flavor Flavor) Job {
	base := filepath.Base(source)
	return Job{
		ID:          uuid.New(),
		Source:      source,
		Name:        strings.TrimSuffix(base, filepath.Ext(base)),
		Flavor:      flavor,
		SubmittedAt: time.Now(),
	}
}

// ShortID はログ・ファイル名用の短縮IDを返す
func (j Job) ShortID() string {
	return j.ID.String()[:8]
}

// StageResult は1ステージ（外部ツール呼び出し）の結果
type StageResult struct {
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Status   Status        `json:"status"`
	ExitCode int           `json:"exitCode"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	LogFile  string        `json:"logFile,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Result はジョブ全体の実行結果
type Result struct {
	JobID      uuid.UUID     `json:"jobID"`
	Source     string        `json:"source"`
	Name       string        `json:"name"`
	Flavor     Flavor        `json:"flavor"`
	Language   string        `json:"language"`
	Status     Status        `json:"status"`
	Stages     []StageResult `json:"stages"`
	Manifests  []string      `json:"manifests,omitempty"`
	ReportPath string        `json:"reportPath,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
	EndedAt    *time.Time    `json:"endedAt,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// NewResult は Job から実行中の Result を作成する
func NewResult(j Job) *Result {
	return &Result{
		JobID:     j.ID,
		Source:    j.Source,
		Name:      j.Name,
		Flavor:    j.Flavor,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
}

// Finish は終了時刻を記録し、ステージ結果から全体の状態を確定する
func (r *Result) Finish() {
	now := time.Now()
	r.EndedAt = &now
	r.Status = r.Summarize()
}

// Duration はジョブの所要時間を返す
func (r *Result) Duration() time.Duration {
	if r.EndedAt == nil {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Summarize はステージ結果から全体の状態を導出する。
// 失敗ステージが1つでもあれば failed、スキップか degraded があれば degraded、それ以外は succeeded。
func (r *Result) Summarize() Status {
	if r.Error != "" {
		return StatusFailed
	}

	degraded := false
	for _, s := range r.Stages {
		switch s.Status {
		case StatusFailed:
			return StatusFailed
		case StatusSkipped, StatusDegraded:
			degraded = true
		}
	}
	if degraded {
		return StatusDegraded
	}
	return StatusSucceeded
}

// Counts はステージ状態ごとの件数を返す
func (r *Result) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, s := range r.Stages {
		counts[s.Status]++
	}
	return counts
}
