// Package testsupport provides in-memory stand-ins for the record store, the
// object store and the transcode engine so packages can be tested without
// MySQL, MinIO or ffmpeg.
package testsupport

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"MuseGen/model"
	"MuseGen/repository"
)

// Records 内存版记录存储，歌曲、用户、任务共享一把锁，扣费与任务检查点原子完成
type Records struct {
	mu             sync.Mutex
	songs          map[string]*model.Song
	users          map[string]*model.User
	jobs           map[string]*model.GenerationJob
	categories     map[string]model.Category // 小写名称 -> 分类
	songCategories map[string][]uint
	nextCategoryID uint

	// 按方法名注入的错误（如 "Jobs.Save"），每次调用消费一个
	failNext map[string][]error
}

// NewRecords 创建空的内存记录存储
func NewRecords() *Records {
	return &Records{
		songs:          make(map[string]*model.Song),
		users:          make(map[string]*model.User),
		jobs:           make(map[string]*model.GenerationJob),
		categories:     make(map[string]model.Category),
		songCategories: make(map[string][]uint),
		failNext:       make(map[string][]error),
	}
}

// FailNext 让方法 op 的下一次调用返回 err，可多次调用排队
func (r *Records) FailNext(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext[op] = append(r.failNext[op], err)
}

// ClearFailures 丢弃还没触发的注入错误
func (r *Records) ClearFailures() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = make(map[string][]error)
}

func (r *Records) injected(op string) error {
	q := r.failNext[op]
	if len(q) == 0 {
		return nil
	}
	r.failNext[op] = q[1:]
	return q[0]
}

// PutUser 写入或覆盖用户
func (r *Records) PutUser(u model.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = &u
}

// PutSong 写入或覆盖歌曲
func (r *Records) PutSong(s model.Song) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.Categories = nil
	r.songs[s.ID] = &s
}

// User 返回用户副本
func (r *Records) User(id string) (model.User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return model.User{}, false
	}
	return *u, true
}

// Song 返回歌曲副本（含分类）
func (r *Records) Song(id string) (model.Song, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.songs[id]
	if !ok {
		return model.Song{}, false
	}
	return r.songWithCategories(s), true
}

// Job 返回任务副本
func (r *Records) Job(id string) (model.GenerationJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return model.GenerationJob{}, false
	}
	return *j.Clone(), true
}

// PutJob 写入或覆盖任务，用来构造崩溃恢复场景
func (r *Records) PutJob(j model.GenerationJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j.Clone()
}

// CategoryNames 返回全部分类名，排序
func (r *Records) CategoryNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.categories))
	for _, c := range r.categories {
		names = append(names, c.Name)
	}
	sort.Strings(names)
	return names
}

func (r *Records) songWithCategories(s *model.Song) model.Song {
	out := *s
	out.Categories = nil
	for _, id := range r.songCategories[s.ID] {
		for _, c := range r.categories {
			if c.ID == id {
				out.Categories = append(out.Categories, c)
			}
		}
	}
	return out
}

// Songs 返回歌曲仓库
func (r *Records) Songs() repository.SongRepository { return songRepo{r} }

// Users 返回用户仓库
func (r *Records) Users() repository.UserRepository { return userRepo{r} }

// Jobs 返回任务仓库
func (r *Records) Jobs() repository.JobRepository { return jobRepo{r} }

type songRepo struct{ r *Records }

func (s songRepo) Create(_ context.Context, song *model.Song) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if err := s.r.injected("Songs.Create"); err != nil {
		return err
	}
	if _, ok := s.r.songs[song.ID]; ok {
		return fmt.Errorf("song %s already exists", song.ID)
	}
	now := time.Now()
	song.CreatedAt, song.UpdatedAt = now, now
	cp := *song
	cp.Categories = nil
	s.r.songs[song.ID] = &cp
	return nil
}

func (s songRepo) GetByID(_ context.Context, id string) (*model.Song, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if err := s.r.injected("Songs.GetByID"); err != nil {
		return nil, err
	}
	song, ok := s.r.songs[id]
	if !ok {
		return nil, nil
	}
	out := s.r.songWithCategories(song)
	return &out, nil
}

func (s songRepo) GetAccessible(_ context.Context, id, userID string) (*model.Song, error) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	song, ok := s.r.songs[id]
	if !ok || !song.AccessibleBy(userID) || !song.Deliverable() {
		return nil, nil
	}
	out := *song
	return &out, nil
}

func (s songRepo) UpdateStatus(_ context.Context, id string, status model.SongStatus) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if err := s.r.injected("Songs.UpdateStatus"); err != nil {
		return err
	}
	song, ok := s.r.songs[id]
	if !ok {
		return fmt.Errorf("song %s: %w", id, repository.ErrNotFound)
	}
	song.Status = status
	song.UpdatedAt = time.Now()
	return nil
}

func (s songRepo) SaveResult(_ context.Context, id, masterKey, thumbnailKey string) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if err := s.r.injected("Songs.SaveResult"); err != nil {
		return err
	}
	song, ok := s.r.songs[id]
	if !ok {
		return fmt.Errorf("song %s: %w", id, repository.ErrNotFound)
	}
	song.MasterKey = &masterKey
	if thumbnailKey != "" {
		song.ThumbnailKey = &thumbnailKey
	}
	song.Status = model.SongStatusCompleted
	song.UpdatedAt = time.Now()
	return nil
}

func (s songRepo) MarkFailed(_ context.Context, id string) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if err := s.r.injected("Songs.MarkFailed"); err != nil {
		return err
	}
	song, ok := s.r.songs[id]
	if !ok {
		return fmt.Errorf("song %s: %w", id, repository.ErrNotFound)
	}
	song.Status = model.SongStatusFailed
	song.MasterKey = nil
	song.ThumbnailKey = nil
	song.UpdatedAt = time.Now()
	return nil
}

func (s songRepo) AttachCategories(_ context.Context, id string, names []string) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if err := s.r.injected("Songs.AttachCategories"); err != nil {
		return err
	}
	if _, ok := s.r.songs[id]; !ok {
		return fmt.Errorf("song %s: %w", id, repository.ErrNotFound)
	}
	for _, name := range repository.NormalizeCategoryNames(names) {
		key := strings.ToLower(name)
		c, ok := s.r.categories[key]
		if !ok {
			s.r.nextCategoryID++
			c = model.Category{ID: s.r.nextCategoryID, Name: name}
			s.r.categories[key] = c
		}
		attached := false
		for _, existing := range s.r.songCategories[id] {
			if existing == c.ID {
				attached = true
				break
			}
		}
		if !attached {
			s.r.songCategories[id] = append(s.r.songCategories[id], c.ID)
		}
	}
	return nil
}

func (s songRepo) IncrementListenCount(_ context.Context, id string) error {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	if song, ok := s.r.songs[id]; ok {
		song.ListenCount++
	}
	return nil
}

type userRepo struct{ r *Records }

func (u userRepo) GetByID(_ context.Context, id string) (*model.User, error) {
	u.r.mu.Lock()
	defer u.r.mu.Unlock()
	if err := u.r.injected("Users.GetByID"); err != nil {
		return nil, err
	}
	user, ok := u.r.users[id]
	if !ok {
		return nil, nil
	}
	out := *user
	return &out, nil
}

type jobRepo struct{ r *Records }

func (j jobRepo) Create(_ context.Context, job *model.GenerationJob) error {
	j.r.mu.Lock()
	defer j.r.mu.Unlock()
	if err := j.r.injected("Jobs.Create"); err != nil {
		return err
	}
	if _, ok := j.r.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	j.r.jobs[job.ID] = job.Clone()
	return nil
}

func (j jobRepo) GetByID(_ context.Context, id string) (*model.GenerationJob, error) {
	j.r.mu.Lock()
	defer j.r.mu.Unlock()
	job, ok := j.r.jobs[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (j jobRepo) Save(_ context.Context, job *model.GenerationJob) error {
	j.r.mu.Lock()
	defer j.r.mu.Unlock()
	if err := j.r.injected("Jobs.Save"); err != nil {
		return err
	}
	job.UpdatedAt = time.Now()
	j.r.jobs[job.ID] = job.Clone()
	return nil
}

func (j jobRepo) ListUnfinished(_ context.Context) ([]*model.GenerationJob, error) {
	j.r.mu.Lock()
	defer j.r.mu.Unlock()
	var out []*model.GenerationJob
	for _, job := range j.r.jobs {
		if !job.Finished() {
			out = append(out, job.Clone())
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (j jobRepo) ChargeOnce(_ context.Context, jobID, userID string, at time.Time) (bool, error) {
	j.r.mu.Lock()
	defer j.r.mu.Unlock()
	if err := j.r.injected("Jobs.ChargeOnce"); err != nil {
		return false, err
	}
	job, ok := j.r.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("job %s: %w", jobID, repository.ErrNotFound)
	}
	if job.ChargedAt != nil {
		return false, nil
	}
	user, ok := j.r.users[userID]
	if !ok || user.Credits <= 0 {
		return false, fmt.Errorf("failed to charge user %s for job %s: %w", userID, jobID, repository.ErrInsufficientCredits)
	}
	user.Credits--
	t := at
	job.ChargedAt = &t
	job.Step = model.StepCharged
	return true, nil
}

func (j jobRepo) MarkFailureHandled(_ context.Context, jobID, reason string, at time.Time) (bool, error) {
	j.r.mu.Lock()
	defer j.r.mu.Unlock()
	job, ok := j.r.jobs[jobID]
	if !ok || job.FailureHandledAt != nil {
		return false, nil
	}
	t := at
	job.FailureHandledAt = &t
	job.Outcome = model.OutcomeFailed
	job.Step = model.StepDone
	job.Error = reason
	return true, nil
}
