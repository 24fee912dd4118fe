package eval

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/database"
)

func openSQLStore(t *testing.T) *SQLStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "tasks.db") + "?_foreign_keys=on"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, database.DefaultConfig(database.DialectSQLite, path))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := NewSQLStore(db)
	require.NoError(t, store.Migrate(ctx))
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openSQLStore(t)) })
}

func sampleTask(id string, created time.Time) *Task {
	return &Task{
		ID:               id,
		Name:             "task " + id,
		DatasetID:        "ds",
		DatasetVersion:   1,
		ModelID:          "target",
		EvaluatorModelID: "judge",
		EvaluationMode:   ModeHybrid,
		APIKey:           "secret",
		Prompts:          PromptConfig{SystemPrompt: "be brief"},
		Sampling:         DefaultSamplingParams(),
		Status:           StatusConfigParams,
		CreatedAt:        created,
	}
}

func TestStore_CreateAndGetTask(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, store.CreateTask(ctx, sampleTask("t1", created)))

		got, err := store.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "task t1", got.Name)
		assert.Equal(t, ModeHybrid, got.EvaluationMode)
		assert.Equal(t, "secret", got.APIKey)
		assert.Equal(t, "be brief", got.Prompts.SystemPrompt)
		assert.Equal(t, DefaultSamplingParams(), got.Sampling)
		assert.Equal(t, StatusConfigParams, got.Status)
		assert.True(t, got.CreatedAt.Equal(created))
		assert.Nil(t, got.Score)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.ResultSummary)

		_, err = store.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_UpdateTask(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.CreateTask(ctx, sampleTask("t1", time.Now().UTC())))

		now := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
		from := StatusConfigParams
		to := StatusGeneratingAnswers
		score := 72.5
		progress := 40
		updated, err := store.UpdateTask(ctx, "t1", TaskUpdate{
			IfStatus:  &from,
			Status:    &to,
			StartedAt: &now,
			Progress:  &progress,
			Score:     &score,
			ResultSummary: &ResultSummary{
				TotalQuestions: 4,
				ValidAnswers:   3,
				Generation:     &StageTotals{Total: 4, Completed: 3, Failed: 1},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, StatusGeneratingAnswers, updated.Status)
		assert.Equal(t, 40, updated.Progress)
		require.NotNil(t, updated.Score)
		assert.Equal(t, 72.5, *updated.Score)
		require.NotNil(t, updated.StartedAt)
		assert.True(t, updated.StartedAt.Equal(now))

		got, err := store.GetTask(ctx, "t1")
		require.NoError(t, err)
		require.NotNil(t, got.ResultSummary)
		assert.Equal(t, 3, got.ResultSummary.ValidAnswers)
		assert.Equal(t, StageTotals{Total: 4, Completed: 3, Failed: 1}, *got.ResultSummary.Generation)
		assert.Equal(t, "target", got.ModelID, "untouched fields are kept")
	})
}

func TestStore_UpdateTaskStatusConflict(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.CreateTask(ctx, sampleTask("t1", time.Now().UTC())))

		stale := StatusConfigPrompts
		cancelled := StatusCancelled
		_, err := store.UpdateTask(ctx, "t1", TaskUpdate{IfStatus: &stale, Status: &cancelled})
		assert.ErrorIs(t, err, ErrStatusConflict)

		got, err := store.GetTask(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, StatusConfigParams, got.Status)

		_, err = store.UpdateTask(ctx, "missing", TaskUpdate{IfStatus: &stale, Status: &cancelled})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ListTasks(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		for i := 0; i < 5; i++ {
			task := sampleTask(fmt.Sprintf("t%d", i), base.Add(time.Duration(i)*time.Minute))
			if i%2 == 1 {
				task.Status = StatusCompleted
				task.DatasetID = "other"
			}
			require.NoError(t, store.CreateTask(ctx, task))
		}

		tasks, total, err := store.ListTasks(ctx, ListTasksQuery{})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		assert.Equal(t, []string{"t4", "t3", "t2", "t1", "t0"}, taskIDs(tasks))

		tasks, total, err = store.ListTasks(ctx, ListTasksQuery{Status: StatusCompleted})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Equal(t, []string{"t3", "t1"}, taskIDs(tasks))

		tasks, total, err = store.ListTasks(ctx, ListTasksQuery{DatasetID: "ds", Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Equal(t, []string{"t2", "t0"}, taskIDs(tasks))

		tasks, _, err = store.ListTasks(ctx, ListTasksQuery{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, tasks)
	})
}

func TestStore_AnswersAndEvaluations(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.CreateTask(ctx, sampleTask("t1", time.Now().UTC())))
		require.NoError(t, store.CreateTask(ctx, sampleTask("t2", time.Now().UTC())))

		for _, qid := range []string{"q3", "q1", "q2"} {
			require.NoError(t, store.CreateGeneratedAnswer(ctx, &GeneratedAnswer{
				ID:          "a-" + qid,
				TaskID:      "t1",
				QuestionID:  qid,
				ModelID:     "target",
				Answer:      "answer " + qid,
				IsValid:     qid != "q2",
				TotalTokens: 12,
				Cost:        0.01,
				LatencyMs:   250,
				CreatedAt:   time.Now().UTC(),
			}))
		}
		require.NoError(t, store.CreateGeneratedAnswer(ctx, &GeneratedAnswer{
			ID: "other", TaskID: "t2", QuestionID: "q1", CreatedAt: time.Now().UTC(),
		}))

		answers, err := store.ListGeneratedAnswers(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, answers, 3)
		assert.Equal(t, "q3", answers[0].QuestionID, "insertion order")
		assert.Equal(t, "q2", answers[2].QuestionID)
		assert.False(t, answers[2].IsValid)
		assert.Equal(t, int64(250), answers[0].LatencyMs)
		assert.Equal(t, 0.01, answers[0].Cost)

		require.NoError(t, store.CreateEvaluation(ctx, &Evaluation{
			ID:            "e1",
			TaskID:        "t1",
			QuestionID:    "q3",
			AnswerID:      "a-q3",
			Score:         85,
			EvaluatorType: EvaluatorModel,
			EvaluatorID:   "judge",
			Reasoning:     "solid",
			ParseOutcome:  OutcomeRecovered,
			RawOutput:     "score 85",
			IsValid:       true,
			CreatedAt:     time.Now().UTC(),
		}))
		evals, err := store.ListEvaluations(ctx, "t1")
		require.NoError(t, err)
		require.Len(t, evals, 1)
		assert.Equal(t, 85.0, evals[0].Score)
		assert.Equal(t, OutcomeRecovered, evals[0].ParseOutcome)
		assert.Equal(t, EvaluatorModel, evals[0].EvaluatorType)

		empty, err := store.ListEvaluations(ctx, "t2")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStore_AnswerForUnknownTask(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		err := store.CreateGeneratedAnswer(context.Background(), &GeneratedAnswer{
			ID: "a1", TaskID: "missing", QuestionID: "q1", CreatedAt: time.Now().UTC(),
		})
		assert.Error(t, err)
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTask(ctx, sampleTask("t1", time.Now())))

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	got.Status = StatusFailed

	again, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfigParams, again.Status)
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(StoreOptions{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = NewStore(StoreOptions{Backend: "sqlite"})
	assert.Error(t, err)
}

func taskIDs(tasks []*Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}
