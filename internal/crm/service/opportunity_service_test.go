package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/bitfantasy/nimo-crm/internal/crm/entity"
	"github.com/bitfantasy/nimo-crm/internal/crm/events"
	"github.com/bitfantasy/nimo-crm/internal/crm/pipeline"
	"github.com/bitfantasy/nimo-crm/internal/crm/repository"
	"github.com/minio/minio-go/v7"
	"github.com/xuri/excelize/v2"
)

type fakeStorage struct {
	objects map[string][]byte
	types   map[string]string
}

func (s *fakeStorage) PutObject(_ context.Context, bucket, name string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	b, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	s.objects[bucket+"/"+name] = b
	s.types[bucket+"/"+name] = opts.ContentType
	return minio.UploadInfo{Bucket: bucket, Key: name, Size: int64(len(b))}, nil
}

type testEnv struct {
	svc     *OpportunityService
	hub     *events.Hub
	storage *fakeStorage
	events  chan events.Event
	now     time.Time
}

func setupService(t *testing.T) *testEnv {
	t.Helper()
	repos := repository.NewMemoryRepositories()
	engine := pipeline.NewStageEngine(repos.Opportunity, repos.Stage, nil)
	hub := events.NewHub(nil)
	client := &events.Client{ID: "test", Events: make(chan events.Event, 64)}
	hub.Register(client)
	storage := &fakeStorage{objects: map[string][]byte{}, types: map[string]string{}}

	env := &testEnv{
		hub:     hub,
		storage: storage,
		events:  client.Events,
		now:     time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC),
	}
	env.svc = NewOpportunityService(repos, engine, hub, nil, storage, Config{Bucket: "crm"}, nil)
	env.svc.SetClock(func() time.Time { return env.now })
	return env
}

func (e *testEnv) create(t *testing.T) *entity.Opportunity {
	t.Helper()
	opp, err := e.svc.CreateFromLead(context.Background(), &CreateOpportunityRequest{
		LeadID:      "lead-1",
		CompanyID:   "company-1",
		CompanyName: "Acme Industrial",
		LeadOwnerID: "user-7",
	}, "user-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return opp
}

func drain(ch chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCreateFromLead(t *testing.T) {
	env := setupService(t)
	opp := env.create(t)

	if opp.CurrentStage != entity.StageProspect || opp.Status != entity.StatusActive {
		t.Fatalf("expected L1 Active, got %d/%s", opp.CurrentStage, opp.Status)
	}
	if !regexp.MustCompile(`^OPP-[0-9A-F]{7}$`).MatchString(opp.DisplayID) {
		t.Fatalf("unexpected display id %q", opp.DisplayID)
	}
	if !opp.StageEnteredAt.Equal(env.now) || opp.Title != "Acme Industrial" {
		t.Fatalf("unexpected opportunity %+v", opp)
	}
	history, err := env.svc.History(context.Background(), opp.ID)
	if err != nil || len(history) != 0 {
		t.Fatalf("new opportunity should have empty history: %v %v", history, err)
	}

	evs := drain(env.events)
	if len(evs) != 1 || evs[0].EventType != events.OpportunityCreated {
		t.Fatalf("expected opportunity_created event, got %+v", evs)
	}
}

func TestCreateFromLeadValidation(t *testing.T) {
	env := setupService(t)
	_, err := env.svc.CreateFromLead(context.Background(), &CreateOpportunityRequest{CompanyID: "c"}, "user-1")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if !strings.Contains(err.Error(), "lead_id") || !strings.Contains(err.Error(), "lead_owner_id") {
		t.Fatalf("error should name missing fields: %v", err)
	}
}

func TestChangeStagePublishesEvent(t *testing.T) {
	env := setupService(t)
	opp := env.create(t)
	drain(env.events)

	res, err := env.svc.ChangeStage(context.Background(), opp.ID, &ChangeStageRequest{
		TargetStage: entity.StageQualification,
		StageData: map[string]interface{}{
			"region_id":        "r1",
			"product_interest": "valves",
			"assigned_reps":    []interface{}{"rep-1"},
			"lead_owner_id":    "user-7",
		},
	}, "user-1")
	if err != nil {
		t.Fatalf("change stage: %v", err)
	}
	if res.Opportunity.CurrentStage != entity.StageQualification {
		t.Fatalf("expected L2, got %d", res.Opportunity.CurrentStage)
	}
	evs := drain(env.events)
	if len(evs) != 1 || evs[0].EventType != events.StageChanged {
		t.Fatalf("expected stage_changed event, got %+v", evs)
	}

	_, err = env.svc.ChangeStage(context.Background(), opp.ID, &ChangeStageRequest{TargetStage: entity.StageWon}, "user-1")
	if pipeline.KindOf(err) != pipeline.KindIllegalTransition {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if evs := drain(env.events); len(evs) != 0 {
		t.Fatalf("rejected change must not publish, got %+v", evs)
	}
}

func TestRunTimeoutSweep(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	opp := env.create(t)

	steps := []struct {
		target int
		data   map[string]interface{}
	}{
		{2, map[string]interface{}{"region_id": "r", "product_interest": "p", "assigned_reps": []interface{}{"a"}, "lead_owner_id": "o"}},
		{3, map[string]interface{}{"qualification_scorecard": map[string]interface{}{"fit": 5}, "budget": "b", "authority": "a", "need": "n", "timeline": "t", "qualification_status": "qualified"}},
		{4, map[string]interface{}{"proposal_documents": []interface{}{"d"}, "submission_date": "2026-05-04", "internal_stakeholder_id": "s"}},
		{5, map[string]interface{}{"quotation_id": "q"}},
	}
	for _, st := range steps {
		if _, err := env.svc.ChangeStage(ctx, opp.ID, &ChangeStageRequest{TargetStage: st.target, StageData: st.data}, "user-1"); err != nil {
			t.Fatalf("-> %d: %v", st.target, err)
		}
	}
	drain(env.events)

	env.now = env.now.Add(44 * 24 * time.Hour)
	res, err := env.svc.RunTimeoutSweep(ctx)
	if err != nil || res.Dropped != 0 {
		t.Fatalf("day 44: %+v %v", res, err)
	}

	env.now = env.now.Add(2 * 24 * time.Hour)
	res, err = env.svc.RunTimeoutSweep(ctx)
	if err != nil || res.Dropped != 1 || res.DroppedIDs[0] != opp.ID {
		t.Fatalf("day 46: %+v %v", res, err)
	}
	got, _ := env.svc.Get(ctx, opp.ID)
	if got.Status != entity.StatusDropped {
		t.Fatalf("expected Dropped, got %s", got.Status)
	}

	var sawDrop, sawSummary bool
	for _, ev := range drain(env.events) {
		switch ev.EventType {
		case events.StageChanged:
			sawDrop = strings.Contains(ev.Data, `"automatic":true`)
		case events.SweepCompleted:
			sawSummary = true
		}
	}
	if !sawDrop || !sawSummary {
		t.Fatalf("expected drop and summary events (drop=%v summary=%v)", sawDrop, sawSummary)
	}
}

func TestUploadProposalDocument(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	opp := env.create(t)

	doc, err := env.svc.UploadProposalDocument(ctx, opp.ID, "Proposal.PDF", bytes.NewReader([]byte("%PDF-1.7")), 8, "application/pdf", "user-1")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	wantPrefix := "proposals/" + opp.ID + "/"
	if !strings.HasPrefix(doc.ObjectKey, wantPrefix) || !strings.HasSuffix(doc.ObjectKey, ".pdf") {
		t.Fatalf("unexpected object key %q", doc.ObjectKey)
	}
	if string(env.storage.objects["crm/"+doc.ObjectKey]) != "%PDF-1.7" {
		t.Fatal("object not stored")
	}
	docs, _ := env.svc.ProposalDocuments(ctx, opp.ID)
	if len(docs) != 1 || docs[0].ID != doc.ID {
		t.Fatalf("document not recorded: %+v", docs)
	}

	_, err = env.svc.UploadProposalDocument(ctx, "missing", "a.pdf", bytes.NewReader(nil), 0, "", "user-1")
	if pipeline.KindOf(err) != pipeline.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestExportPipeline(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	env.create(t)
	env.now = env.now.Add(time.Hour)
	env.create(t)

	f, filename, err := env.svc.ExportPipeline(ctx, ListParams{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer f.Close()
	if filename != "pipeline_20260504.xlsx" {
		t.Fatalf("unexpected filename %q", filename)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	wb, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer wb.Close()
	rows, err := wb.GetRows("Pipeline")
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "Display ID" || rows[1][3] != "L1 Prospect" || rows[1][4] != entity.StatusActive {
		t.Fatalf("unexpected rows %v", rows)
	}
}
