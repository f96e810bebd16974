// Package lock はエンタイトルメント単位の排他制御を提供する。
package lock

import (
	"context"
	"sync"
)

// Keyed はキーごとの排他ロック。ロック待ちはcontextでキャンセルできる。
type Keyed struct {
	mu    sync.Mutex // protects locks
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{} // 容量1のセマフォ
	refs int
}

// NewKeyed は新しいKeyedを生成する。
func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Lock はキーのロックを取得し、解放関数を返す。
// contextが先に終了した場合はロックを取得せずにそのエラーを返す。
func (k *Keyed) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *Keyed) release(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len は現在保持または待機中のキー数を返す。
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
