// Package inflight coalesces concurrent requests for the same identifier onto
// a single underlying task and fans the task's result out to every waiter.
package inflight

import (
	"errors"
	"sync"
)

// ErrCancelled 标记底层任务被取消；携带该错误的结果不会派发给任何等待者。
var ErrCancelled = errors.New("task cancelled")

// Task 是可取消的底层操作句柄。
type Task interface {
	Cancel()
}

// TaskFunc 让普通函数满足 Task。
type TaskFunc func()

func (f TaskFunc) Cancel() {
	if f != nil {
		f()
	}
}

// Completion 是一对成功/失败回调，二者最多被调用其一，且只调用一次。
// OnCancel 可选：任务被取消且结束后调用，供阻塞等待的调用方退出，本身不算完成。
type Completion[T any] struct {
	OnSuccess func(T)
	OnFailure func(error)
	OnCancel  func()
}

// Resolver 由任务在终态时调用一次；重复调用会被忽略。
type Resolver[T any] func(value T, err error)

// Registry 按 key 保存等待中的回调集合与服务它们的唯一任务。
type Registry[T any] struct {
	mu   sync.Mutex
	sets map[string]*pendingSet[T]
	seq  uint64
}

type pendingSet[T any] struct {
	group     string
	task      Task
	waiters   map[uint64]Completion[T]
	order     []uint64
	cancelled bool
	done      bool
}

// New 创建空的 Registry。
func New[T any]() *Registry[T] {
	return &Registry[T]{sets: make(map[string]*pendingSet[T])}
}

// Join 为 key 注册回调。若 key 已有进行中的任务则仅追加回调；否则调用 start
// 启动新任务。返回的函数撤销本次注册，最后一个等待者撤销时任务随之取消。
func (r *Registry[T]) Join(key, group string, c Completion[T], start func(resolve Resolver[T]) Task) func() {
	r.mu.Lock()
	r.seq++
	token := r.seq
	if s, ok := r.sets[key]; ok {
		s.add(token, c)
		r.mu.Unlock()
		return r.leaveFunc(key, s, token)
	}

	s := &pendingSet[T]{group: group, waiters: make(map[uint64]Completion[T])}
	s.add(token, c)
	r.sets[key] = s
	r.mu.Unlock()

	task := start(r.resolver(key, s))

	r.mu.Lock()
	cancelNow := false
	if s.cancelled && !s.done {
		cancelNow = true
	} else if !s.done {
		s.task = task
	}
	r.mu.Unlock()
	if cancelNow && task != nil {
		task.Cancel()
	}
	return r.leaveFunc(key, s, token)
}

func (s *pendingSet[T]) add(token uint64, c Completion[T]) {
	s.waiters[token] = c
	s.order = append(s.order, token)
}

func (r *Registry[T]) resolver(key string, s *pendingSet[T]) Resolver[T] {
	return func(value T, err error) {
		r.mu.Lock()
		if s.done {
			r.mu.Unlock()
			return
		}
		s.done = true
		if current, ok := r.sets[key]; ok && current == s {
			delete(r.sets, key)
		}
		cancelled := s.cancelled
		waiters := s.snapshot()
		r.mu.Unlock()

		if cancelled || errors.Is(err, ErrCancelled) {
			for _, w := range waiters {
				if w.OnCancel != nil {
					w.OnCancel()
				}
			}
			return
		}
		for _, w := range waiters {
			if err != nil {
				if w.OnFailure != nil {
					w.OnFailure(err)
				}
				continue
			}
			if w.OnSuccess != nil {
				w.OnSuccess(value)
			}
		}
	}
}

func (s *pendingSet[T]) snapshot() []Completion[T] {
	out := make([]Completion[T], 0, len(s.waiters))
	for _, token := range s.order {
		if w, ok := s.waiters[token]; ok {
			out = append(out, w)
		}
	}
	return out
}

func (r *Registry[T]) leaveFunc(key string, s *pendingSet[T], token uint64) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if s.done {
				r.mu.Unlock()
				return
			}
			delete(s.waiters, token)
			if len(s.waiters) > 0 {
				r.mu.Unlock()
				return
			}
			task := r.detachLocked(key, s)
			r.mu.Unlock()
			if task != nil {
				task.Cancel()
			}
		})
	}
}

// detachLocked 把 s 标记为取消并从表中移除，返回需要取消的任务。
func (r *Registry[T]) detachLocked(key string, s *pendingSet[T]) Task {
	s.cancelled = true
	if current, ok := r.sets[key]; ok && current == s {
		delete(r.sets, key)
	}
	return s.task
}

// Cancel 取消 key 对应的任务，已注册回调全部静默丢弃。
func (r *Registry[T]) Cancel(key string) bool {
	r.mu.Lock()
	s, ok := r.sets[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	task := r.detachLocked(key, s)
	r.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
	return true
}

// CancelGroup 取消属于 group 的全部任务，返回被取消的数量。
func (r *Registry[T]) CancelGroup(group string) int {
	r.mu.Lock()
	var tasks []Task
	count := 0
	for key, s := range r.sets {
		if s.group != group {
			continue
		}
		count++
		if task := r.detachLocked(key, s); task != nil {
			tasks = append(tasks, task)
		}
	}
	r.mu.Unlock()
	for _, task := range tasks {
		task.Cancel()
	}
	return count
}

// CancelAll 取消全部任务，回调全部静默丢弃。
func (r *Registry[T]) CancelAll() {
	r.mu.Lock()
	var tasks []Task
	for key, s := range r.sets {
		if task := r.detachLocked(key, s); task != nil {
			tasks = append(tasks, task)
		}
	}
	r.mu.Unlock()
	for _, task := range tasks {
		task.Cancel()
	}
}

// FailAll 取消全部任务，并以 err 通知所有等待者（例如控制器关闭）。
func (r *Registry[T]) FailAll(err error) {
	r.mu.Lock()
	var (
		tasks   []Task
		waiters []Completion[T]
	)
	for key, s := range r.sets {
		waiters = append(waiters, s.snapshot()...)
		s.done = true
		if task := r.detachLocked(key, s); task != nil {
			tasks = append(tasks, task)
		}
	}
	r.mu.Unlock()
	for _, task := range tasks {
		task.Cancel()
	}
	for _, w := range waiters {
		if w.OnFailure != nil {
			w.OnFailure(err)
		}
	}
}

// Len 返回进行中的任务数量。
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

// Waiters 返回 key 当前的等待者数量。
func (r *Registry[T]) Waiters(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sets[key]; ok {
		return len(s.waiters)
	}
	return 0
}
