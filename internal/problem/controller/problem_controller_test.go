package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	judgemodel "judgebox/internal/judge/model"
	"judgebox/internal/judge/sandbox/result"
	"judgebox/internal/problem/controller"
	"judgebox/internal/problem/model"
	"judgebox/internal/problem/repository"
	"judgebox/internal/problem/service"
	appErr "judgebox/pkg/errors"

	"github.com/gin-gonic/gin"
)

type fakeJudge struct {
	report result.JudgeReport
	err    error
	reqs   []judgemodel.JudgeRequest
}

func (f *fakeJudge) Run(ctx context.Context, req judgemodel.JudgeRequest) (result.JudgeReport, error) {
	f.reqs = append(f.reqs, req)
	return f.report, f.err
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newRouter(judge service.Judge) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	svc := service.NewProblemService(repository.NewMemoryProblemStore(), judge)
	controller.NewProblemController(svc).RegisterRoutes(router)
	return router
}

func do(t *testing.T, router *gin.Engine, method, path string, body any) (int, apiResponse) {
	t.Helper()
	raw := []byte(nil)
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var resp apiResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode failed: %v (%s)", err, rec.Body.String())
	}
	return rec.Code, resp
}

func TestRootWelcome(t *testing.T) {
	status, resp := do(t, newRouter(&fakeJudge{}), http.MethodGet, "/", nil)
	if status != http.StatusOK || resp.Message != controller.WelcomeMessage {
		t.Fatalf("unexpected root response: %d %+v", status, resp)
	}
}

func TestProblemCRUD(t *testing.T) {
	router := newRouter(&fakeJudge{})

	status, resp := do(t, router, http.MethodPost, "/problems", map[string]any{
		"title":      "Sum",
		"test_cases": []map[string]string{{"input": "1 2", "output": "3"}},
	})
	if status != http.StatusOK {
		t.Fatalf("create: expected 200, got %d", status)
	}
	var created model.Problem
	if err := json.Unmarshal(resp.Data, &created); err != nil || created.ID != 1 {
		t.Fatalf("unexpected created problem: %s", resp.Data)
	}

	if status, _ = do(t, router, http.MethodPost, "/problems", map[string]any{"description": "x"}); status != http.StatusBadRequest {
		t.Fatalf("missing title: expected 400, got %d", status)
	}

	status, resp = do(t, router, http.MethodGet, "/problems", nil)
	var list []model.Problem
	if status != http.StatusOK || json.Unmarshal(resp.Data, &list) != nil || len(list) != 1 {
		t.Fatalf("unexpected list: %d %s", status, resp.Data)
	}

	if status, _ = do(t, router, http.MethodGet, "/problems/1", nil); status != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", status)
	}
	if status, _ = do(t, router, http.MethodGet, "/problems/abc", nil); status != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", status)
	}
	if status, _ = do(t, router, http.MethodDelete, "/problems/1", nil); status != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", status)
	}
	if status, _ = do(t, router, http.MethodGet, "/problems/1", nil); status != http.StatusNotFound {
		t.Fatalf("deleted problem: expected 404, got %d", status)
	}
}

func TestSubmitAgainstProblem(t *testing.T) {
	judge := &fakeJudge{report: result.JudgeReport{SubmissionID: "s1", Status: result.StatusFail, FirstFailedIndex: 0}}
	router := newRouter(judge)
	do(t, router, http.MethodPost, "/problems", map[string]any{
		"title":      "Sum",
		"test_cases": []map[string]string{{"input": "1 2", "output": "3"}, {"input": "2 2", "output": "4"}},
	})

	status, resp := do(t, router, http.MethodPost, "/submit", map[string]any{
		"problem_id": 1, "language": "python3", "code": "print(3)",
	})
	if status != http.StatusOK {
		t.Fatalf("submit: expected 200, got %d", status)
	}
	var out model.SubmitResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		t.Fatalf("decode submit response failed: %v", err)
	}
	if out.Status != model.SubmissionProcessed || out.Report.Status != result.StatusFail {
		t.Fatalf("unexpected submit response: %+v", out)
	}
	if len(judge.reqs) != 1 || len(judge.reqs[0].TestCases) != 2 || judge.reqs[0].Language != "python3" {
		t.Fatalf("problem tests not forwarded: %+v", judge.reqs)
	}
}

func TestSubmitUnknownProblem(t *testing.T) {
	judge := &fakeJudge{}
	status, resp := do(t, newRouter(judge), http.MethodPost, "/submit", map[string]any{
		"problem_id": 42, "language": "python3", "code": "print(1)",
	})
	if status != http.StatusNotFound || resp.Code != int(appErr.ProblemNotFound) {
		t.Fatalf("expected 404 problem not found, got %d %+v", status, resp)
	}
	if len(judge.reqs) != 0 {
		t.Fatalf("judge must not run for unknown problems")
	}
}

func TestSubmitUnsupportedLanguageKeepsReport(t *testing.T) {
	judge := &fakeJudge{
		report: result.Fatal("s2", result.StatusError, result.KindUnsupportedLanguage, "unsupported language: cobol"),
		err:    appErr.New(appErr.UnsupportedLanguage),
	}
	router := newRouter(judge)
	do(t, router, http.MethodPost, "/problems", map[string]any{
		"title":      "Sum",
		"test_cases": []map[string]string{{"input": "1 2", "output": "3"}},
	})
	status, resp := do(t, router, http.MethodPost, "/submit", map[string]any{
		"problem_id": 1, "language": "cobol", "code": "DISPLAY 3",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	var out model.SubmitResponse
	if err := json.Unmarshal(resp.Data, &out); err != nil || out.Report.ErrorKind != result.KindUnsupportedLanguage {
		t.Fatalf("expected report in error payload: %s", resp.Data)
	}
}
