package worklist

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process worklist.
type Memory struct {
	mu       sync.Mutex
	lists    map[string][]*Item
	byID     map[string]*Item
	statuses map[string]Status
	notes    map[string][]Note
	// FailList makes ListPending fail for the named list.
	FailList map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		lists:    make(map[string][]*Item),
		byID:     make(map[string]*Item),
		statuses: make(map[string]Status),
		notes:    make(map[string][]Note),
		FailList: make(map[string]error),
	}
}

// Add appends an unchecked item to listID.
func (m *Memory) Add(listID, itemID, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := &Item{ID: itemID, ListID: listID, Content: content, Position: len(m.lists[listID])}
	m.lists[listID] = append(m.lists[listID], it)
	m.byID[itemID] = it
}

func (m *Memory) ListPending(_ context.Context, listID string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailList[listID]; err != nil {
		return nil, err
	}
	var out []Item
	for _, it := range m.lists[listID] {
		if !it.Checked {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (m *Memory) UpdateItemStatus(_ context.Context, itemID string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.byID[itemID]
	if !ok {
		return fmt.Errorf("item %s not found", itemID)
	}
	m.statuses[itemID] = status
	if status == StatusDone {
		it.Checked = true
	}
	return nil
}

func (m *Memory) AppendNote(_ context.Context, itemID string, note Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[itemID]; !ok {
		return fmt.Errorf("item %s not found", itemID)
	}
	m.notes[itemID] = append(m.notes[itemID], note)
	return nil
}

// Notes returns the notes appended under itemID.
func (m *Memory) Notes(itemID string) []Note {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Note(nil), m.notes[itemID]...)
}

// Status returns the last status written for itemID.
func (m *Memory) Status(itemID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[itemID]
}
