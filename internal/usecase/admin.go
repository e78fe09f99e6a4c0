package usecase

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-cv-evaluator/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/ai-cv-evaluator/internal/domain"
)

// equipmentMatchThreshold is the minimum cosine similarity an embedded
// message must clear against a registered EquipmentScript before Admin
// treats it as a deterministic shortcut instead of a model dispatch.
const equipmentMatchThreshold = 0.85

// maxCompressedContextTokens bounds CompressedContext's size. Admin
// targets well under this; it's a hard ceiling, not a goal.
const maxCompressedContextTokens = 1000

var fileNamePattern = regexp.MustCompile(`\b[\w./-]+\.[a-zA-Z0-9]{1,8}\b`)

// adminClassification is the shape Admin asks its model to return.
type adminClassification struct {
	Intent         string   `json:"intent"`
	Difficulty     string   `json:"difficulty"`
	QARequirements string   `json:"qa_requirements"`
	QASpecRef      string   `json:"qa_spec_ref"`
	RelevantFiles  []string `json:"relevant_files"`
	ClarifyingQ    string   `json:"clarifying_question"`
}

// AdminService classifies an incoming message into a WorkOrder: it
// assigns a difficulty and owning tier, compresses the conversation into
// a bounded context, checks for an equipment-script shortcut, and
// enqueues the result for the Dispatcher.
type AdminService struct {
	Store     domain.WorkOrderStore
	Audit     domain.AuditRepository
	Sessions  domain.SessionRepository
	Queue     domain.Queue
	Model     domain.ModelClient
	Equipment domain.EquipmentIndex
	Counter   *tokencount.Counter
	// DailyCostCapUSD gates admission: a non-positive value disables the
	// check entirely.
	DailyCostCapUSD float64
}

// budgetWindow is the trailing window checkBudget sums cost over; "daily"
// here means the trailing 24h, not a calendar day.
const budgetWindow = 24 * time.Hour

// NewAdminService constructs an AdminService. counter may be nil, in which
// case tokencount.DefaultCounter is used.
func NewAdminService(store domain.WorkOrderStore, audit domain.AuditRepository, sessions domain.SessionRepository, queue domain.Queue, model domain.ModelClient, equipment domain.EquipmentIndex, counter *tokencount.Counter, dailyCostCapUSD float64) *AdminService {
	if counter == nil {
		counter = tokencount.DefaultCounter
	}
	return &AdminService{Store: store, Audit: audit, Sessions: sessions, Queue: queue, Model: model, Equipment: equipment, Counter: counter, DailyCostCapUSD: dailyCostCapUSD}
}

// ClassifyRequest is one inbound message to classify.
type ClassifyRequest struct {
	Channel        string
	ExternalUserID string
	Message        string
	History        []string
}

// ClassifyResult reports what Admin did with a ClassifyRequest.
type ClassifyResult struct {
	WorkOrderID        string
	Enqueued           bool
	ClarifyingQuestion string
}

// Classify turns req into a WorkOrder. An unclear difficulty never
// enqueues: it records a cancelled WorkOrder and an explanatory AuditLog,
// and returns a clarifying question for the caller to relay back to the
// user instead.
func (s *AdminService) Classify(ctx domain.Context, req ClassifyRequest) (ClassifyResult, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return ClassifyResult{}, fmt.Errorf("%w: empty message", domain.ErrInvalidArgument)
	}

	session, err := s.Sessions.GetOrCreate(ctx, req.Channel, req.ExternalUserID)
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.classify.session: %w", err)
	}

	if err := s.checkBudget(ctx, session.ID); err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.classify: %w", err)
	}

	classification, err := s.classify(ctx, req)
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.classify.model: %w", err)
	}

	difficulty := domain.Difficulty(strings.ToLower(strings.TrimSpace(classification.Difficulty)))
	compressed := s.compressContext(message, req.History, classification.RelevantFiles)

	if difficulty == domain.DifficultyUnclear || difficulty == "" {
		wo := domain.WorkOrder{
			Intent:            classification.Intent,
			Difficulty:        domain.DifficultyUnclear,
			Owner:             domain.TierAdmin,
			Status:            domain.StatusCancelled,
			CompressedContext: compressed,
			SessionID:         session.ID,
			EscalationChain:   []domain.Tier{domain.TierAdmin},
			MaxRetries:        0,
		}
		id, err := s.Store.CreateWorkOrder(ctx, wo)
		if err != nil {
			return ClassifyResult{}, fmt.Errorf("op=admin.classify.create_unclear: %w", err)
		}
		question := classification.ClarifyingQ
		if question == "" {
			question = "Could you clarify what you'd like done?"
		}
		s.appendAudit(ctx, id, session.ID, "admin", "classify_unclear", question)
		return ClassifyResult{WorkOrderID: id, Enqueued: false, ClarifyingQuestion: question}, nil
	}

	owner, err := tierForDifficulty(difficulty)
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.classify: %w", err)
	}

	equipmentHint := s.matchEquipment(ctx, message)

	wo := domain.WorkOrder{
		Intent:            classification.Intent,
		Difficulty:        difficulty,
		Owner:             owner,
		Status:            domain.StatusQueued,
		CompressedContext: compressed,
		RelevantFiles:     classification.RelevantFiles,
		QARequirements:    classification.QARequirements,
		QASpecRef:         classification.QASpecRef,
		EquipmentHint:     equipmentHint,
		MaxRetries:        3,
		EscalationChain:   []domain.Tier{owner},
		SessionID:         session.ID,
	}
	id, err := s.Store.CreateWorkOrder(ctx, wo)
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.classify.create: %w", err)
	}

	requestID := ulid.Make().String()
	if _, err := s.Queue.Enqueue(ctx, id, domain.DispatchPayload{WorkOrderID: id, RequestID: requestID}); err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.classify.enqueue: %w", err)
	}
	if err := s.Sessions.Touch(ctx, session.ID); err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.classify.touch_session: %w", err)
	}

	s.appendAudit(ctx, id, session.ID, "admin", "classify", fmt.Sprintf("assigned to %s", owner))
	return ClassifyResult{WorkOrderID: id, Enqueued: true}, nil
}

// ResumeWorkOrder re-classifies a prior "unclear" work order now that the
// user has answered its clarifying question. The prior work order stays
// cancelled (terminal); resume always produces a fresh one, carrying the
// same session forward.
func (s *AdminService) ResumeWorkOrder(ctx domain.Context, id, userReply string) (ClassifyResult, error) {
	reply := strings.TrimSpace(userReply)
	if reply == "" {
		return ClassifyResult{}, fmt.Errorf("%w: empty reply", domain.ErrInvalidArgument)
	}

	prior, err := s.Store.GetWorkOrder(ctx, id)
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.resume.get: %w", err)
	}
	if prior.Difficulty != domain.DifficultyUnclear {
		return ClassifyResult{}, fmt.Errorf("%w: work order %s is not awaiting clarification", domain.ErrInvalidArgument, id)
	}

	if err := s.checkBudget(ctx, prior.SessionID); err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.resume: %w", err)
	}

	classification, err := s.classify(ctx, ClassifyRequest{Message: reply, History: []string{prior.CompressedContext}})
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.resume.model: %w", err)
	}

	difficulty := domain.Difficulty(strings.ToLower(strings.TrimSpace(classification.Difficulty)))
	compressed := s.compressContext(reply, []string{prior.CompressedContext}, classification.RelevantFiles)

	if difficulty == domain.DifficultyUnclear || difficulty == "" {
		wo := domain.WorkOrder{
			Intent:            classification.Intent,
			Difficulty:        domain.DifficultyUnclear,
			Owner:             domain.TierAdmin,
			Status:            domain.StatusCancelled,
			CompressedContext: compressed,
			SessionID:         prior.SessionID,
			EscalationChain:   []domain.Tier{domain.TierAdmin},
			MaxRetries:        0,
		}
		newID, err := s.Store.CreateWorkOrder(ctx, wo)
		if err != nil {
			return ClassifyResult{}, fmt.Errorf("op=admin.resume.create_unclear: %w", err)
		}
		question := classification.ClarifyingQ
		if question == "" {
			question = "Could you clarify what you'd like done?"
		}
		s.appendAudit(ctx, newID, prior.SessionID, "admin", "resume_unclear", question)
		return ClassifyResult{WorkOrderID: newID, Enqueued: false, ClarifyingQuestion: question}, nil
	}

	owner, err := tierForDifficulty(difficulty)
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.resume: %w", err)
	}

	equipmentHint := s.matchEquipment(ctx, reply)

	wo := domain.WorkOrder{
		Intent:            classification.Intent,
		Difficulty:        difficulty,
		Owner:             owner,
		Status:            domain.StatusQueued,
		CompressedContext: compressed,
		RelevantFiles:     classification.RelevantFiles,
		QARequirements:    classification.QARequirements,
		QASpecRef:         classification.QASpecRef,
		EquipmentHint:     equipmentHint,
		MaxRetries:        3,
		EscalationChain:   []domain.Tier{owner},
		SessionID:         prior.SessionID,
	}
	newID, err := s.Store.CreateWorkOrder(ctx, wo)
	if err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.resume.create: %w", err)
	}

	requestID := ulid.Make().String()
	if _, err := s.Queue.Enqueue(ctx, newID, domain.DispatchPayload{WorkOrderID: newID, RequestID: requestID}); err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.resume.enqueue: %w", err)
	}
	if err := s.Sessions.Touch(ctx, prior.SessionID); err != nil {
		return ClassifyResult{}, fmt.Errorf("op=admin.resume.touch_session: %w", err)
	}

	s.appendAudit(ctx, newID, prior.SessionID, "admin", "resume", fmt.Sprintf("assigned to %s", owner))
	return ClassifyResult{WorkOrderID: newID, Enqueued: true}, nil
}

// classify asks the admin-tier model to produce a structured
// classification of the message. A malformed response degrades to a
// difficulty of unclear rather than failing outright, since Admin's job
// is to always produce a decision.
func (s *AdminService) classify(ctx domain.Context, req ClassifyRequest) (adminClassification, error) {
	system := `You are a triage classifier. Given a user request, respond with JSON only:
{"intent": "short tag", "difficulty": "trivial|normal|complex|unclear", "qa_requirements": "free text", "qa_spec_ref": "", "relevant_files": ["..."], "clarifying_question": ""}
Use "unclear" only when the request's goal cannot be determined, and fill clarifying_question in that case.`
	user := req.Message
	if len(req.History) > 0 {
		user = strings.Join(req.History, "\n") + "\n" + req.Message
	}

	raw, err := s.Model.ChatJSON(ctx, system, user, 512)
	if err != nil {
		return adminClassification{}, err
	}

	var out adminClassification
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return adminClassification{Intent: "unclassified", Difficulty: string(domain.DifficultyUnclear)}, nil
	}
	return out, nil
}

// matchEquipment embeds message and checks it against the equipment
// index. A lookup failure is non-fatal: Admin falls back to a normal
// model dispatch rather than blocking classification on vector-DB health.
func (s *AdminService) matchEquipment(ctx domain.Context, message string) string {
	if s.Equipment == nil || s.Model == nil {
		return ""
	}
	vecs, err := s.Model.Embed(ctx, []string{message})
	if err != nil || len(vecs) == 0 {
		return ""
	}
	script, ok, err := s.Equipment.Match(ctx, vecs[0], equipmentMatchThreshold)
	if err != nil || !ok {
		return ""
	}
	return script.Name
}

func (s *AdminService) appendAudit(ctx domain.Context, workOrderID, sessionID, actor, action, detail string) {
	_ = s.Audit.Append(ctx, domain.AuditLog{
		ID:          ulid.Make().String(),
		WorkOrderID: workOrderID,
		SessionID:   sessionID,
		Actor:       actor,
		Action:      action,
		Status:      detail,
		Timestamp:   time.Now().UTC(),
	})
}

// checkBudget enforces DailyCostCapUSD against the trailing 24h cost
// before a new work order is admitted. A non-positive cap disables the
// check. On denial it writes a system/budget_block AuditLog and returns
// domain.ErrBudgetExceeded; the caller creates no WorkOrder row.
func (s *AdminService) checkBudget(ctx domain.Context, sessionID string) error {
	if s.DailyCostCapUSD <= 0 {
		return nil
	}
	report, err := s.Store.QueryCost(ctx, budgetWindow)
	if err != nil {
		return fmt.Errorf("op=admin.check_budget.query_cost: %w", err)
	}
	if report.TotalCostUSD < s.DailyCostCapUSD {
		return nil
	}
	s.appendAudit(ctx, "", sessionID, "system", "budget_block",
		fmt.Sprintf("daily cost %.4f USD at or above cap %.4f USD", report.TotalCostUSD, s.DailyCostCapUSD))
	return domain.ErrBudgetExceeded
}

// tierForDifficulty maps a Difficulty to its owning tier per the
// trivial→intern, normal→director, complex→ceo escalation ladder.
func tierForDifficulty(d domain.Difficulty) (domain.Tier, error) {
	switch d {
	case domain.DifficultyTrivial:
		return domain.TierIntern, nil
	case domain.DifficultyNormal:
		return domain.TierDirector, nil
	case domain.DifficultyComplex:
		return domain.TierCEO, nil
	default:
		return "", fmt.Errorf("%w: unrecognized difficulty %q", domain.ErrInvalidArgument, d)
	}
}

// compressContext builds a ≤maxCompressedContextTokens summary that
// preserves the stated goal, every referenced file name, and the
// conversation turn count — the invariants Admin's compression must hold
// regardless of how much it truncates.
func (s *AdminService) compressContext(message string, history, relevantFiles []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "goal: %s\n", strings.TrimSpace(message))

	files := make(map[string]struct{})
	var ordered []string
	for _, f := range relevantFiles {
		if _, ok := files[f]; !ok {
			files[f] = struct{}{}
			ordered = append(ordered, f)
		}
	}
	for _, f := range fileNamePattern.FindAllString(message, -1) {
		if _, ok := files[f]; !ok {
			files[f] = struct{}{}
			ordered = append(ordered, f)
		}
	}
	if len(ordered) > 0 {
		fmt.Fprintf(&b, "files: %s\n", strings.Join(ordered, ", "))
	}

	var criteria []string
	for _, line := range strings.Split(message, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "AC:") {
			criteria = append(criteria, trimmed)
		}
	}
	if len(criteria) > 0 {
		fmt.Fprintf(&b, "acceptance_criteria: %s\n", strings.Join(criteria, "; "))
	}

	fmt.Fprintf(&b, "turns: %d\n", len(history)+1)

	return s.truncateToTokens(b.String(), maxCompressedContextTokens)
}

func (s *AdminService) truncateToTokens(text string, maxTokens int) string {
	count, err := s.Counter.CountTokens(text, "gpt-4")
	if err != nil || count <= maxTokens {
		return text
	}
	// tiktoken counting failed to bound us below the ceiling; fall back to
	// a conservative character cap (~4 chars/token) rather than emit an
	// oversized context.
	limit := maxTokens * 4
	if limit >= len(text) {
		return text
	}
	return text[:limit]
}
