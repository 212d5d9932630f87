package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/atp-proto/atp-server/atp/atperrors"
	"github.com/atp-proto/atp-server/atp/coordinator"
	"github.com/atp-proto/atp-server/atp/provenance"
	"github.com/atp-proto/atp-server/atp/sandbox"
	"github.com/atp-proto/atp-server/atp/toolregistry"
)

// handleInfo serves GET /api/info: liveness and capability advertisement
// (spec §6).
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      Version,
		"capabilities": Capabilities,
	})
}

// initRequest is the POST /api/init body.
type initRequest struct {
	ClientInfo map[string]any `json:"clientInfo"`
}

// handleInit serves POST /api/init: creates a session (spec §6, §4.B).
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad clientInfo"})
		return
	}

	init, err := s.sessions.Init(r.Context(), req.ClientInfo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"clientId":  init.SessionID,
		"token":     init.Token,
		"expiresAt": init.ExpiresAt,
		"rotateAt":  init.RotateAt,
	})
}

// handleDefinitions serves GET /api/definitions: the hierarchical tool
// tree plus a generated TypeScript declaration surface (spec §6).
func (s *Server) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	specs := s.registry.List()
	groups := apiGroupsOf(specs)
	writeJSON(w, http.StatusOK, map[string]any{
		"typescript": generateTypeScript(specs),
		"version":    Version,
		"apiGroups":  groups,
	})
}

// searchRequest is the POST /api/search body.
type searchRequest struct {
	Query      string   `json:"query"`
	APIGroups  []string `json:"apiGroups,omitempty"`
	MaxResults int      `json:"maxResults,omitempty"`
}

type searchResult struct {
	APIGroup       string  `json:"apiGroup"`
	FunctionName   string  `json:"functionName"`
	Signature      string  `json:"signature"`
	RelevanceScore float64 `json:"relevanceScore"`
}

// handleSearch serves POST /api/search: rank-search the tool tree by
// keyword relevance, grounded on the teacher's
// registry.ComputeKeywordRelevance weighting (name > group > full path).
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad search request"})
		return
	}

	allowed := make(map[string]bool, len(req.APIGroups))
	for _, g := range req.APIGroups {
		allowed[g] = true
	}

	var results []searchResult
	for _, spec := range s.registry.List() {
		group, fn := splitToolName(spec.Name)
		if len(allowed) > 0 && !allowed[group] {
			continue
		}
		score := computeKeywordRelevance(req.Query, spec.Name, group, fn)
		if score <= 0 {
			continue
		}
		results = append(results, searchResult{
			APIGroup:       group,
			FunctionName:   fn,
			Signature:      signatureOf(spec),
			RelevanceScore: score,
		})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].RelevanceScore > results[j].RelevanceScore })
	if req.MaxResults > 0 && len(results) > req.MaxResults {
		results = results[:req.MaxResults]
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// exploreRequest is the POST /api/explore body.
type exploreRequest struct {
	Path string `json:"path"`
}

// handleExplore serves POST /api/explore: tree listing at path (spec §6).
func (s *Server) handleExplore(w http.ResponseWriter, r *http.Request) {
	var req exploreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad explore request"})
		return
	}

	tree := s.registry.Tree()
	node := any(tree)
	if req.Path != "" {
		for _, seg := range strings.Split(req.Path, "/") {
			m, ok := node.(map[string]any)
			if !ok {
				node = nil
				break
			}
			node, ok = m[seg]
			if !ok {
				node = nil
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": req.Path, "entries": node})
}

// executeRequest is the POST /api/execute and /api/execute/stream body.
// Code is the JSON-encoded program AST a client-side compiler produced
// (atp/sandbox consumes a Go-native AST, not JavaScript source text — see
// DESIGN.md's "Open Question" note on the parser boundary).
type executeRequest struct {
	Code   json.RawMessage `json:"code"`
	Config *executeConfig  `json:"config,omitempty"`
}

type executeConfig struct {
	ProvenanceMode string `json:"provenanceMode,omitempty"`
}

func (s *Server) decodeProgram(w http.ResponseWriter, r *http.Request) (*sandbox.Program, provenance.Mode, bool) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation", "message": "malformed request body"})
		return nil, "", false
	}
	program, err := sandbox.UnmarshalProgram(req.Code)
	if err != nil {
		writeParseError(w, err)
		return nil, "", false
	}

	mode := s.provenanceMode
	if req.Config != nil && req.Config.ProvenanceMode != "" {
		mode = provenance.Mode(req.Config.ProvenanceMode)
	}
	return program, mode, true
}

// writeParseError reports a program AST the transport layer could not
// decode inside the normal 200 execution-result envelope (spec §6 result
// shape "parse_error"), the same way a security violation or policy block
// is reported as a Result rather than a bare transport error: no execution
// ever began, so ExecutionID is left empty.
func writeParseError(w http.ResponseWriter, err error) {
	progErr := atperrors.ToProgramError(atperrors.Wrap(atperrors.KindValidation, err, "transport: program AST could not be decoded"))
	writeJSON(w, http.StatusOK, coordinator.Result{
		Status:       coordinator.StatusParseError,
		ProgramError: &progErr,
	})
}

// handleExecute serves POST /api/execute: starts an execution and returns
// its immediate result (spec §6).
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	sess, err := requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	program, mode, ok := s.decodeProgram(w, r)
	if !ok {
		return
	}

	result, err := s.coordinator.Start(r.Context(), sess.ID, program, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// resumeRequest is the POST /api/resume/:execId body, accepting either a
// single result or a batch (spec §6 "{result} or {results:[...]}"`).
type resumeRequest struct {
	Result  *coordinator.EffectResult  `json:"result,omitempty"`
	Results []coordinator.EffectResult `json:"results,omitempty"`
	Code    json.RawMessage            `json:"code"`
}

// handleResume serves POST /api/resume/:execId: supplies callback outcomes
// and continues a paused execution (spec §6, §4.E).
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	sess, err := requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	execID := r.PathValue("execId")

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation", "message": "malformed request body"})
		return
	}
	results := req.Results
	if req.Result != nil {
		results = append(results, *req.Result)
	}

	program, err := sandbox.UnmarshalProgram(req.Code)
	if err != nil {
		writeParseError(w, err)
		return
	}

	result, err := s.coordinator.Resume(r.Context(), sess.ID, execID, results, program)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func apiGroupsOf(specs []toolregistry.Spec) []string {
	seen := make(map[string]bool)
	var groups []string
	for _, spec := range specs {
		group, _ := splitToolName(spec.Name)
		if group != "" && !seen[group] {
			seen[group] = true
			groups = append(groups, group)
		}
	}
	sort.Strings(groups)
	return groups
}

func splitToolName(name string) (group, fn string) {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

func signatureOf(spec toolregistry.Spec) string {
	return fmt.Sprintf("%s(args: object): Promise<any>", spec.Name)
}

// generateTypeScript produces a minimal `.d.ts`-shaped declaration string
// of every registered tool, grouped by api group. This is advisory output
// for a client-side compiler/IDE, not something atp/sandbox parses back.
func generateTypeScript(specs []toolregistry.Spec) string {
	byGroup := make(map[string][]string)
	for _, spec := range specs {
		group, fn := splitToolName(spec.Name)
		byGroup[group] = append(byGroup[group], fn)
	}
	groups := make([]string, 0, len(byGroup))
	for g := range byGroup {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var b strings.Builder
	for _, g := range groups {
		fns := byGroup[g]
		sort.Strings(fns)
		fmt.Fprintf(&b, "declare namespace %s {\n", tsIdent(g))
		for _, fn := range fns {
			fmt.Fprintf(&b, "  function %s(args: object): Promise<any>;\n", tsIdent(fn))
		}
		b.WriteString("}\n")
	}
	return b.String()
}

func tsIdent(s string) string {
	return strings.NewReplacer("-", "_", "/", "_").Replace(s)
}

// computeKeywordRelevance scores a tool name against query, grounded on
// the teacher's registry.ComputeKeywordRelevance: full name match weighted
// highest, group and function-name token overlap weighted lower.
func computeKeywordRelevance(query, fullName, group, fn string) float64 {
	if query == "" {
		return 0
	}
	queryLower := strings.ToLower(query)
	terms := strings.Fields(queryLower)
	if len(terms) == 0 {
		return 0
	}

	var score, maxScore float64
	fullLower := strings.ToLower(fullName)
	fnLower := strings.ToLower(fn)
	groupLower := strings.ToLower(group)

	for _, term := range terms {
		maxScore += 3.0
		if strings.Contains(fnLower, term) {
			score += 3.0
		}
		maxScore += 2.0
		if strings.Contains(groupLower, term) {
			score += 2.0
		}
		maxScore += 1.0
		if strings.Contains(fullLower, term) {
			score += 1.0
		}
	}
	if maxScore == 0 {
		return 0
	}
	return score / maxScore
}
