// Package keylock реализует набор мьютексов, адресуемых строковым ключом.
// Используется диспетчером для сериализации обработки событий одного клиента
// шлюза: события разных клиентов обрабатываются полностью параллельно,
// события одного клиента — строго по одному.
package keylock

import "sync"

// KeyLock хранит по одному мьютексу на ключ. Мьютексы создаются лениво
// и не освобождаются: количество клиентов ограничено, а глобальной
// блокировки здесь нет по определению.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New создает пустой KeyLock.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*sync.Mutex)}
}

// Lock захватывает мьютекс ключа key, создавая его при первом обращении.
func (k *KeyLock) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
}

// Unlock освобождает мьютекс ключа key. Вызов для незахваченного ключа —
// ошибка программирования, как и у sync.Mutex.
func (k *KeyLock) Unlock(key string) {
	k.mu.Lock()
	m := k.locks[key]
	k.mu.Unlock()
	m.Unlock()
}
