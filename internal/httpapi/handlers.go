package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	ctxasm "github.com/taskmesh/engine/internal/context"
	"github.com/taskmesh/engine/internal/evaluation"
	"github.com/taskmesh/engine/internal/model"
	"github.com/taskmesh/engine/internal/scheduler"
)

const maxBodyBytes = 1 << 20 // 1 MiB, per gateway_v2.go's io.LimitReader guard

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
}

// handleHealth reports liveness; never authenticated or rate-limited.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePlanApprove creates the root task for a plan from its proposed
// task list, honoring a plan-scoped name prefix so ListPlanTasks can find
// it later.
func (s *Server) handlePlanApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	parsed, err := s.validator.ValidateJSON("plan_approve", body)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	title, _ := parsed["title"].(string)

	rootID, err := s.repo.CreateTask(r.Context(), nil, "["+title+"] root", model.StatusPending, 0, model.TaskTypeRoot, nil)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	tasksRaw, _ := parsed["tasks"].([]any)
	created := make([]int64, 0, len(tasksRaw))
	for _, raw := range tasksRaw {
		spec, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := spec["name"].(string)
		if name == "" {
			continue
		}
		priority := 0
		if p, ok := spec["priority"].(float64); ok {
			priority = int(p)
		}
		id, err := s.repo.CreateTask(r.Context(), &rootID, "["+title+"] "+name, model.StatusPending, priority, model.TaskTypeAtomic, nil)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		created = append(created, id)
	}

	writeJSON(w, http.StatusCreated, map[string]any{"root_task_id": rootID, "task_ids": created})
}

// handlePlanTasks lists every task tagged into a plan by name prefix.
func (s *Server) handlePlanTasks(w http.ResponseWriter, r *http.Request, title string) {
	tasks, err := s.repo.ListPlanTasks(r.Context(), title)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handlePlanAssembled returns the assembled context bundle for a plan's
// root task, if a context assembler is wired.
func (s *Server) handlePlanAssembled(w http.ResponseWriter, r *http.Request, title string) {
	if s.assembler == nil {
		writeError(w, http.StatusNotImplemented, "context assembly is not configured")
		return
	}
	tasks, err := s.repo.ListPlanTasks(r.Context(), title)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if len(tasks) == 0 {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	var root model.Task
	for _, t := range tasks {
		if t.ParentID == nil {
			root = t
			break
		}
	}
	bundle, err := s.assembler.Assemble(r.Context(), root.ID, ctxasm.Options{
		IncludeDeps: true, IncludeHierarchy: true, IncludePlanSiblings: true,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

// handleRun drives a plan (or a single task subtree) to completion
// synchronously under the scheduler, using whatever options the request
// requests or the server's defaults otherwise.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req struct {
		Plan        string `json:"plan"`
		RootTaskID  int64  `json:"root_task_id"`
		Strategy    string `json:"strategy"`
		Parallelism int    `json:"parallelism"`
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	opts := s.defaultRunOptions
	if req.Strategy != "" {
		opts.Strategy = scheduler.Strategy(req.Strategy)
	}
	if req.Parallelism > 0 {
		opts.Parallelism = req.Parallelism
	}

	if req.Plan != "" {
		if err := s.sched.RunPlan(r.Context(), req.Plan, opts); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"plan": req.Plan, "status": "completed"})
		return
	}
	if req.RootTaskID != 0 {
		if err := s.sched.RunSubtree(r.Context(), req.RootTaskID, opts); err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"root_task_id": req.RootTaskID, "status": "completed"})
		return
	}
	writeError(w, http.StatusBadRequest, "either plan or root_task_id is required")
}

// handleTask dispatches GET/PUT/DELETE on a single task by id.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request, id int64) {
	switch r.Method {
	case http.MethodGet:
		task, err := s.repo.GetTask(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodPut:
		var req struct {
			Status *string `json:"status"`
			Output *string `json:"output"`
		}
		body, err := readBody(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if req.Status != nil {
			if err := s.repo.UpdateTaskStatus(r.Context(), id, model.TaskStatus(*req.Status)); err != nil {
				writeEngineError(w, err)
				return
			}
		}
		if req.Output != nil {
			if err := s.repo.UpsertTaskOutput(r.Context(), id, *req.Output); err != nil {
				writeEngineError(w, err)
				return
			}
		}
		task, err := s.repo.GetTask(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodDelete:
		if err := s.repo.UpdateTaskStatus(r.Context(), id, model.StatusFailed); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET, PUT, or DELETE required")
	}
}

// handleTaskRerun resets a task to pending (passing through running, as the
// state machine requires) for the scheduler to pick up again on the next
// run. An optional body is validated against the task_rerun schema; the
// reason it carries is not stored.
func (s *Server) handleTaskRerun(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	body, _ := readBody(r)
	if len(body) > 0 {
		if _, err := s.validator.ValidateJSON("task_rerun", body); err != nil {
			writeEngineError(w, err)
			return
		}
	}
	if err := s.repo.UpdateTaskStatus(r.Context(), id, model.StatusRunning); err != nil {
		writeEngineError(w, err)
		return
	}
	if err := s.repo.UpdateTaskStatus(r.Context(), id, model.StatusPending); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "status": model.StatusPending})
}

// handleLinkCreate adds a requires/refers edge between two tasks.
func (s *Server) handleLinkCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	parsed, err := s.validator.ValidateJSON("link_create", body)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	from := int64(parsed["from"].(float64))
	to := int64(parsed["to"].(float64))
	kind := model.LinkKind(parsed["kind"].(string))
	priority := 0
	if p, ok := parsed["priority"].(float64); ok {
		priority = int(p)
	}
	if err := s.repo.CreateLink(r.Context(), from, to, kind, priority); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"from": from, "to": to, "kind": kind})
}

// handleLinkDelete removes a requires/refers edge, given as query params
// from, to, kind since DELETE carries no conventional JSON body here.
func (s *Server) handleLinkDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "DELETE required")
		return
	}
	from, err1 := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	kind := model.LinkKind(r.URL.Query().Get("kind"))
	if err1 != nil || err2 != nil || kind == "" {
		writeError(w, http.StatusBadRequest, "from, to, and kind query params are required")
		return
	}
	if err := s.repo.DeleteLink(r.Context(), from, to, kind); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTaskLinks lists the outgoing links from one task.
func (s *Server) handleTaskLinks(w http.ResponseWriter, r *http.Request, id int64) {
	links, err := s.repo.ListLinks(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

// handleJob reports a job's current state, optionally including its log
// feed.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request, id string) {
	includeLogs := r.URL.Query().Get("logs") == "true"
	job, err := s.jobs.GetJob(r.Context(), id, includeLogs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobStream streams a job's events as server-sent events until the
// client disconnects or the job's subscriber channel closes.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	ch, cancel, err := s.jobs.Subscribe(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleEvaluationOverride records a human override score for a task's
// most recent evaluation.
func (s *Server) handleEvaluationOverride(w http.ResponseWriter, r *http.Request, id int64) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	parsed, err := s.validator.ValidateJSON("evaluation_override", body)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	score := parsed["score"].(float64)
	reason, _ := parsed["reason"].(string)
	if err := evaluation.ApplyHumanOverride(r.Context(), s.repo, id, score, reason); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "score": score})
}

func parseIDSuffix(path, prefix string) (int64, bool) {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
