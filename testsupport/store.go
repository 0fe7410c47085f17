package testsupport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"MuseGen/storage"
)

// StoredObject 内存对象
type StoredObject struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// MemoryStore 内存版对象存储，实现 storage.ObjectStore
type MemoryStore struct {
	mu       sync.Mutex
	objects  map[string]StoredObject
	puts     map[string]int
	failPut  error
	failGet  error
	failStat error
}

// NewMemoryStore 创建空存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]StoredObject),
		puts:    make(map[string]int),
	}
}

var _ storage.ObjectStore = (*MemoryStore)(nil)

// Seed 直接写入对象，不计入 Put 次数
func (m *MemoryStore) Seed(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = StoredObject{Data: append([]byte(nil), data...)}
}

// Object 返回对象副本
func (m *MemoryStore) Object(key string) (StoredObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.objects[key]
	return o, ok
}

// PutCount 返回对 key 的 Put 次数
func (m *MemoryStore) PutCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[key]
}

// Keys 返回全部 key，排序
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FailPut 之后的 Put 都返回 err，nil 恢复
func (m *MemoryStore) FailPut(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = err
}

// FailGet 之后的 Get 都返回 err，nil 恢复
func (m *MemoryStore) FailGet(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGet = err
}

// FailExists 之后的 Exists 都返回 err，nil 恢复
func (m *MemoryStore) FailExists(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failStat = err
}

// Presign 返回一个可预测的假地址
func (m *MemoryStore) Presign(_ context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://store.test/%s?X-Amz-Expires=%d", key, int(expiry.Seconds())), nil
}

// PresignDownload 返回带 attachment 参数的假地址
func (m *MemoryStore) PresignDownload(_ context.Context, key string, expiry time.Duration) (string, error) {
	name := key[strings.LastIndex(key, "/")+1:]
	return fmt.Sprintf("https://store.test/%s?X-Amz-Expires=%d&response-content-disposition=%s",
		key, int(expiry.Seconds()), url.QueryEscape(fmt.Sprintf("attachment; filename=%q", name))), nil
}

// Exists 检查对象是否存在
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStat != nil {
		return false, m.failStat
	}
	_, ok := m.objects[key]
	return ok, nil
}

// Get 读取对象
func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	o, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, storage.ErrObjectNotFound)
	}
	return io.NopCloser(bytes.NewReader(o.Data)), nil
}

// Put 写入对象
func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, _ int64, contentType string, metadata map[string]string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	m.objects[key] = StoredObject{Data: data, ContentType: contentType, Metadata: meta}
	m.puts[key]++
	return nil
}
