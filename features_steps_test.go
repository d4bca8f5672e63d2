package ragd_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/cucumber/godog"

	"github.com/matiasleandrokruk/ragd/internal/domain/agent"
	"github.com/matiasleandrokruk/ragd/internal/domain/kb"
	"github.com/matiasleandrokruk/ragd/internal/domain/knowledge"
	"github.com/matiasleandrokruk/ragd/internal/domain/retrieval"
	"github.com/matiasleandrokruk/ragd/internal/domain/tool"
	"github.com/matiasleandrokruk/ragd/internal/infra/sqlite"
	"github.com/matiasleandrokruk/ragd/internal/infra/vectorstore"
	"github.com/matiasleandrokruk/ragd/internal/testsupport"
)

// scenarioState holds every component a scenario might need. It is rebuilt
// fresh before each scenario so state never leaks between them.
type scenarioState struct {
	db       *sql.DB
	store    *kb.Store
	vectors  *testsupport.MemStore
	loader   *testsupport.MapLoader
	embedder *testsupport.HashEmbedder
	engine   *retrieval.Engine
	manager  *kb.Manager
	kbs      map[string]kb.KnowledgeBase

	registry    *tool.ToolRegistry
	llmProvider *testsupport.ScriptedToolCallingLLM
	agentStore  *agent.Store
	orch        *agent.Orchestrator

	lastAnswer string
	answers    map[string]string

	ingestKBName string
	ingestFiles  []knowledge.IngestFile
	ingestReport knowledge.IngestionReport

	adaptiveStore  *scoredStore
	adaptiveEngine *retrieval.Engine
	adaptiveCfg    retrieval.Config
	adaptiveResult []retrieval.Hit

	hybridOrderings [][]string
}

func newScenarioState() *scenarioState {
	db, err := sqlite.NewDB(":memory:")
	if err != nil {
		panic(err)
	}
	if err := sqlite.MigrateUp(db); err != nil {
		panic(err)
	}

	store := kb.NewStore(db)
	vectors := testsupport.NewMemStore()
	loader := testsupport.NewMapLoader()
	embedder := testsupport.NewHashEmbedder(8)
	engine, err := retrieval.NewEngine(vectors, embedder, "test-model", 16)
	if err != nil {
		panic(err)
	}
	manager := kb.NewManager(store, vectors, loader, embedder, vectors, engine)

	registry := tool.NewToolRegistry()
	if err := registry.Register(tool.SearchKnowledgeBaseDefinition(), tool.NewKBSearchExecutor(manager, "")); err != nil {
		panic(err)
	}
	llmProvider := testsupport.NewScriptedToolCallingLLM()
	agentStore := agent.NewStore(db)
	orch := agent.NewOrchestrator(llmProvider, registry, manager, agentStore, "test-model", nil)
	orch.SetBackoffForTests()

	return &scenarioState{
		db: db, store: store, vectors: vectors, loader: loader, embedder: embedder,
		engine: engine, manager: manager, kbs: map[string]kb.KnowledgeBase{},
		registry: registry, llmProvider: llmProvider, agentStore: agentStore, orch: orch,
		answers: map[string]string{},
	}
}

// scoredStore is a minimal VectorSearcher that returns a fixed score per
// point, filtered by whatever threshold it is asked to search at, recording
// every threshold it was asked for. It drives the adaptive-search feature in
// isolation from a real vector store.
type scoredStore struct {
	scored         []float32
	seenThresholds []float32
}

func (s *scoredStore) Search(_ context.Context, _ string, _ []float32, limit int, scoreThreshold float32) ([]vectorstore.Hit, error) {
	s.seenThresholds = append(s.seenThresholds, scoreThreshold)
	var out []vectorstore.Hit
	for i, score := range s.scored {
		if score >= scoreThreshold {
			out = append(out, vectorstore.Hit{
				ID: fmt.Sprintf("c%d", i), Score: score,
				Payload: map[string]string{"text": "x", "chunk_index": strconv.Itoa(i)},
			})
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *scoredStore) Scroll(context.Context, string, map[string]string, int) ([]vectorstore.Hit, error) {
	return nil, nil
}

type constEmbedder struct{}

func (constEmbedder) EmbedQuery(context.Context, string, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

var st *scenarioState

func InitializeScenario(ctx *godog.ScenarioContext) {
	ctx.Before(func(goCtx context.Context, _ *godog.Scenario) (context.Context, error) {
		st = newScenarioState()
		return goCtx, nil
	})

	ctx.Step(`^a knowledge base "([^"]*)" with embedding dimension (\d+)$`, aKnowledgeBaseWithDimension)
	ctx.Step(`^the file "([^"]*)" containing "([^"]*)" is ingested into "([^"]*)"$`, theFileContainingIsIngestedInto)
	ctx.Step(`^a user in session "([^"]*)" asks "([^"]*)" of "([^"]*)"$`, aUserInSessionAsksOf)
	ctx.Step(`^the orchestrator calls the model exactly (\d+) times$`, theOrchestratorCallsTheModelExactlyTimes)
	ctx.Step(`^the answer mentions "([^"]*)"$`, theAnswerMentions)
	ctx.Step(`^the chat run for session "([^"]*)" is recorded with status "([^"]*)"$`, theChatRunForSessionIsRecordedWithStatus)

	ctx.Step(`^the file "([^"]*)" containing "([^"]*)" is queued for ingestion into "([^"]*)"$`, theFileContainingIsQueuedForIngestionInto)
	ctx.Step(`^the file "([^"]*)" is queued for ingestion into "([^"]*)" but fails to load with reason "([^"]*)"$`, theFileIsQueuedButFailsToLoad)
	ctx.Step(`^the embedder returns dimension (\d+) instead of (\d+) for text containing "([^"]*)"$`, theEmbedderReturnsDimensionInsteadOfForTextContaining)
	ctx.Step(`^the batch is ingested$`, theBatchIsIngested)
	ctx.Step(`^the ingestion report lists "([^"]*)" as a failed file$`, theIngestionReportListsAsAFailedFile)
	ctx.Step(`^the ingestion report lists "([^"]*)" as a failed file with an embedding dimension error$`, theIngestionReportListsAsAFailedFileWithDimensionError)
	ctx.Step(`^the ingestion report credits chunks from "([^"]*)" and "([^"]*)"$`, theIngestionReportCreditsChunksFrom)
	ctx.Step(`^the collection "([^"]*)" holds vectors for the succeeding files only$`, theCollectionHoldsVectorsForSucceedingFilesOnly)
	ctx.Step(`^the collection "([^"]*)" holds no vectors$`, theCollectionHoldsNoVectors)

	ctx.Step(`^a collection with chunks scored at ([\d.]+), ([\d.]+), ([\d.]+), and ([\d.]+)$`, aCollectionWithChunksScoredAt)
	ctx.Step(`^an adaptive search starting at threshold ([\d.]+) targeting (\d+) results$`, anAdaptiveSearchStartingAtThresholdTargeting)
	ctx.Step(`^the adaptive search runs$`, theAdaptiveSearchRuns)
	ctx.Step(`^it attempts thresholds ([\d.]+), ([\d.]+), ([\d.]+), and ([\d.]+) in order$`, itAttemptsThresholdsInOrder)
	ctx.Step(`^it returns on the attempt that first meets the target of (\d+) results$`, itReturnsOnTheAttemptMeetingTarget)

	ctx.Step(`^hybrid search for "([^"]*)" against "([^"]*)" runs (\d+) times$`, hybridSearchForAgainstRunsTimes)
	ctx.Step(`^every run returns the same ordering of hit ids$`, everyRunReturnsTheSameOrderingOfHitIDs)

	ctx.Step(`^session "([^"]*)" asks "([^"]*)" of "([^"]*)" concurrently with session "([^"]*)" asking "([^"]*)" of "([^"]*)"$`, twoSessionsAskConcurrently)
	ctx.Step(`^the answer for session "([^"]*)" mentions "([^"]*)" and not "([^"]*)"$`, theAnswerForSessionMentionsAndNot)
}

func aKnowledgeBaseWithDimension(ctx context.Context, name string, dim int) error {
	created, err := st.manager.CreateKB(ctx, kb.KnowledgeBase{
		Name:               name,
		EmbeddingModel:     "test-model",
		EmbeddingDimension: dim,
		Chunk:              kb.ChunkConfig{ChunkSize: 200, ChunkOverlap: 20},
		Retrieval:          kb.RetrievalConfig{Mode: kb.ModeHybrid, TopK: 5, VectorWeight: 0.6, KeywordWeight: 0.4},
	})
	if err != nil {
		return err
	}
	st.kbs[name] = created
	return nil
}

func theFileContainingIsIngestedInto(ctx context.Context, path, content, kbName string) error {
	target := st.kbs[kbName]
	st.loader.PutFile(path, content)
	if _, _, err := st.manager.UploadFile(ctx, target.ID, path); err != nil {
		return err
	}
	updated, err := st.manager.GetKB(ctx, target.ID)
	if err != nil {
		return err
	}
	st.kbs[kbName] = updated
	return nil
}

func aUserInSessionAsksOf(ctx context.Context, sessionID, query, kbName string) error {
	target := st.kbs[kbName]
	answer, err := st.orch.Chat(ctx, sessionID, query, nil, target.ID)
	if err != nil {
		return err
	}
	st.answers[sessionID] = answer
	st.lastAnswer = answer
	return nil
}

func theOrchestratorCallsTheModelExactlyTimes(n int) error {
	if got := st.llmProvider.Calls(); got != n {
		return fmt.Errorf("model called %d times; want %d", got, n)
	}
	return nil
}

func theAnswerMentions(phrase string) error {
	if !strings.Contains(st.lastAnswer, phrase) {
		return fmt.Errorf("answer %q does not mention %q", st.lastAnswer, phrase)
	}
	return nil
}

func theChatRunForSessionIsRecordedWithStatus(ctx context.Context, sessionID, status string) error {
	runs, err := st.agentStore.ListBySession(ctx, sessionID, 10)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return fmt.Errorf("no chat runs recorded for session %q", sessionID)
	}
	last := runs[len(runs)-1]
	if last.Status != status {
		return fmt.Errorf("chat run status = %q; want %q", last.Status, status)
	}
	return nil
}

func theFileContainingIsQueuedForIngestionInto(_ context.Context, path, content, kbName string) error {
	st.loader.PutFile(path, content)
	st.ingestKBName = kbName
	st.ingestFiles = append(st.ingestFiles, knowledge.IngestFile{Path: path, FileID: path})
	return nil
}

func theFileIsQueuedButFailsToLoad(_ context.Context, path, kbName, reason string) error {
	st.loader.FailFile(path, reason)
	st.ingestKBName = kbName
	st.ingestFiles = append(st.ingestFiles, knowledge.IngestFile{Path: path, FileID: path})
	return nil
}

func theEmbedderReturnsDimensionInsteadOfForTextContaining(width, _ int, needle string) error {
	st.embedder.ForceDimensionDrift(needle, width)
	return nil
}

func theBatchIsIngested(ctx context.Context) error {
	target := st.kbs[st.ingestKBName]
	chunker := knowledge.NewChunker()
	report, err := knowledge.Ingest(ctx,
		knowledge.IngestTarget{
			KBID:               target.ID,
			CollectionName:     target.CollectionName,
			EmbeddingModel:     target.EmbeddingModel,
			EmbeddingDimension: target.EmbeddingDimension,
			Chunking: knowledge.Config{
				ChunkSize:               target.Chunk.ChunkSize,
				ChunkOverlap:            target.Chunk.ChunkOverlap,
				RespectSentenceBoundary: target.Chunk.RespectSentenceBoundary,
				ChineseAware:            target.Chunk.ChineseAware,
			},
		},
		st.ingestFiles, st.loader, chunker, st.embedder, st.vectors,
		knowledge.IngestOptions{Force: true},
	)
	st.ingestReport = report
	return err
}

func theIngestionReportListsAsAFailedFile(path string) error {
	for _, f := range st.ingestReport.FailedFiles {
		if f == path {
			return nil
		}
	}
	return fmt.Errorf("expected %q in failed files, got %v", path, st.ingestReport.FailedFiles)
}

func theIngestionReportListsAsAFailedFileWithDimensionError(path string) error {
	for _, r := range st.ingestReport.FileResults {
		if r.Path != path {
			continue
		}
		if r.Err == nil {
			return fmt.Errorf("file %q recorded no error", path)
		}
		var embedErr *knowledge.EmbeddingError
		if !errors.As(r.Err, &embedErr) {
			return fmt.Errorf("file %q error = %v; want *EmbeddingError", path, r.Err)
		}
		if !strings.Contains(embedErr.Error(), "dimension") {
			return fmt.Errorf("error message %q does not mention dimension", embedErr.Error())
		}
		return nil
	}
	return fmt.Errorf("no result recorded for file %q", path)
}

func theIngestionReportCreditsChunksFrom(a, b string) error {
	if st.ingestReport.ChunksCreated == 0 {
		return fmt.Errorf("expected credited chunks, got 0")
	}
	for _, failed := range st.ingestReport.FailedFiles {
		if failed == a || failed == b {
			return fmt.Errorf("%q unexpectedly marked failed", failed)
		}
	}
	return nil
}

func theCollectionHoldsVectorsForSucceedingFilesOnly(ctx context.Context, kbName string) error {
	target := st.kbs[kbName]
	count, err := st.vectors.Count(ctx, target.CollectionName)
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("expected vectors upserted for succeeding files, got 0")
	}

	failed := map[string]bool{}
	for _, f := range st.ingestReport.FailedFiles {
		failed[f] = true
	}
	hits, err := st.vectors.Scroll(ctx, target.CollectionName, nil, 1000)
	if err != nil {
		return err
	}
	for _, h := range hits {
		if failed[h.Payload["file_id"]] {
			return fmt.Errorf("collection unexpectedly holds a vector from failed file %q", h.Payload["file_id"])
		}
	}
	return nil
}

func theCollectionHoldsNoVectors(ctx context.Context, kbName string) error {
	target := st.kbs[kbName]
	count, err := st.vectors.Count(ctx, target.CollectionName)
	if err != nil {
		return err
	}
	if count != 0 {
		return fmt.Errorf("expected no vectors, got %d", count)
	}
	return nil
}

func aCollectionWithChunksScoredAt(a, b, c, d float64) error {
	st.adaptiveStore = &scoredStore{scored: []float32{float32(a), float32(b), float32(c), float32(d)}}
	return nil
}

func anAdaptiveSearchStartingAtThresholdTargeting(threshold float64, target int) error {
	engine, err := retrieval.NewEngine(st.adaptiveStore, constEmbedder{}, "test-model", 8)
	if err != nil {
		return err
	}
	st.adaptiveEngine = engine
	st.adaptiveCfg = retrieval.Config{SimilarityThreshold: float32(threshold), AdaptiveTargetResults: target, TopK: 10}
	return nil
}

func theAdaptiveSearchRuns(ctx context.Context) error {
	hits, err := st.adaptiveEngine.AdaptiveSearch(ctx, "adaptive-test", "query", st.adaptiveCfg)
	if err != nil {
		return err
	}
	st.adaptiveResult = hits
	return nil
}

func itAttemptsThresholdsInOrder(a, b, c, d float64) error {
	want := []float32{float32(a), float32(b), float32(c), float32(d)}
	got := st.adaptiveStore.seenThresholds
	if len(got) != len(want) {
		return fmt.Errorf("attempted %d thresholds %v; want %v", len(got), got, want)
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 0.01 {
			return fmt.Errorf("attempt %d threshold = %v; want %v", i, got[i], want[i])
		}
	}
	return nil
}

func itReturnsOnTheAttemptMeetingTarget(target int) error {
	if len(st.adaptiveResult) < target {
		return fmt.Errorf("got %d results; want at least %d", len(st.adaptiveResult), target)
	}
	return nil
}

func hybridSearchForAgainstRunsTimes(ctx context.Context, query, kbName string, n int) error {
	target := st.kbs[kbName]
	var orderings [][]string
	for i := 0; i < n; i++ {
		hits, err := st.manager.Query(ctx, target.ID, kb.QueryInput{Query: query})
		if err != nil {
			return err
		}
		ids := make([]string, len(hits))
		for j, h := range hits {
			ids[j] = h.ID
		}
		orderings = append(orderings, ids)
	}
	st.hybridOrderings = orderings
	return nil
}

func everyRunReturnsTheSameOrderingOfHitIDs() error {
	if len(st.hybridOrderings) == 0 {
		return fmt.Errorf("no search runs recorded")
	}
	first := st.hybridOrderings[0]
	if len(first) == 0 {
		return fmt.Errorf("search returned no hits")
	}
	for i, ord := range st.hybridOrderings {
		if !equalStringSlices(ord, first) {
			return fmt.Errorf("run %d ordering = %v; want %v", i, ord, first)
		}
	}
	return nil
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func twoSessionsAskConcurrently(ctx context.Context, sessA, queryA, kbA, sessB, queryB, kbB string) error {
	targetA, targetB := st.kbs[kbA], st.kbs[kbB]

	var wg sync.WaitGroup
	var ansA, ansB string
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		ansA, errA = st.orch.Chat(ctx, sessA, queryA, nil, targetA.ID)
	}()
	go func() {
		defer wg.Done()
		ansB, errB = st.orch.Chat(ctx, sessB, queryB, nil, targetB.ID)
	}()
	wg.Wait()

	if errA != nil {
		return errA
	}
	if errB != nil {
		return errB
	}
	st.answers[sessA] = ansA
	st.answers[sessB] = ansB
	return nil
}

func theAnswerForSessionMentionsAndNot(sessionID, want, notWant string) error {
	answer, ok := st.answers[sessionID]
	if !ok {
		return fmt.Errorf("no answer recorded for session %q", sessionID)
	}
	if !strings.Contains(answer, want) {
		return fmt.Errorf("answer %q does not mention %q", answer, want)
	}
	if strings.Contains(answer, notWant) {
		return fmt.Errorf("answer %q unexpectedly mentions %q", answer, notWant)
	}
	return nil
}
