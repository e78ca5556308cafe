package model

import (
	judgemodel "judgebox/internal/judge/model"
	"judgebox/internal/judge/sandbox/result"
)

// Problem is a catalogue entry with its hidden test cases.
type Problem struct {
	ID           int64                        `json:"id"`
	Title        string                       `json:"title" binding:"required"`
	Description  string                       `json:"description"`
	InputFormat  string                       `json:"input_format"`
	OutputFormat string                       `json:"output_format"`
	SampleInput  string                       `json:"sample_input"`
	SampleOutput string                       `json:"sample_output"`
	TestCases    []judgemodel.TestCaseRequest `json:"test_cases"`
}

// SubmitRequest is code submitted against a stored problem.
type SubmitRequest struct {
	ProblemID int64  `json:"problem_id" binding:"required"`
	Language  string `json:"language" binding:"required"`
	Code      string `json:"code"`
}

// SubmitResponse wraps the judge report of a problem submission.
type SubmitResponse struct {
	Status string             `json:"status"`
	Report result.JudgeReport `json:"report"`
}

// SubmissionProcessed is the status text of a judged problem submission.
const SubmissionProcessed = "Submission processed"
