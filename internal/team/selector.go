package team

import (
	"context"
	"errors"
)

// RoundRobin rotates through participants in order, counting only
// worker turns so the user's opening message does not shift the cycle.
type RoundRobin struct{}

func (RoundRobin) Select(_ context.Context, history []StepEvent, participants []string) (string, error) {
	if len(participants) == 0 {
		return "", errors.New("no participants")
	}
	turns := 0
	for _, ev := range history {
		if ev.Source != UserSource {
			turns++
		}
	}
	return participants[turns%len(participants)], nil
}
