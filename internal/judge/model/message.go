package model

import "judgebox/internal/judge/sandbox/result"

// ResultEventFinal marks a report published after a submission ended.
const ResultEventFinal = "final"

// ResultEvent is the payload published to the result topic.
type ResultEvent struct {
	Type      string             `json:"type"`
	Report    result.JudgeReport `json:"report"`
	CreatedAt int64              `json:"created_at"`
}
