package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"mail-dispatch-go/internal/model"
)

func claimedDoc(id string, attempts int) bson.D {
	return bson.D{
		{Key: "_id", Value: id},
		{Key: "batchId", Value: "b1"},
		{Key: "ownerId", Value: "owner"},
		{Key: "to", Value: id + "@example.com"},
		{Key: "subject", Value: "hello"},
		{Key: "status", Value: string(model.StatusProcessing)},
		{Key: "attempts", Value: attempts},
		{Key: "maxAttempts", Value: 3},
		{Key: "createdAt", Value: base},
	}
}

func found(doc bson.D) bson.D {
	return mtest.CreateSuccessResponse(bson.E{Key: "value", Value: doc})
}

func notFound() bson.D {
	return mtest.CreateSuccessResponse(bson.E{Key: "value", Value: nil})
}

func updated(n int) bson.D {
	return mtest.CreateSuccessResponse(bson.E{Key: "n", Value: n}, bson.E{Key: "nModified", Value: n})
}

func TestMongoClaimBatch(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("claims until no document is left", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, mt.Coll)
		mt.AddMockResponses(found(claimedDoc("e1", 1)), found(claimedDoc("e2", 2)), notFound())

		claimed, err := s.ClaimBatch(context.Background(), 5, 3)
		require.NoError(mt, err)
		require.Len(mt, claimed, 2)
		assert.Equal(mt, "e1", claimed[0].ID)
		assert.Equal(mt, model.StatusProcessing, claimed[0].Status)
		assert.Equal(mt, 2, claimed[1].Attempts)

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, "findAndModify", evt.CommandName)

		query := evt.Command.Lookup("query").Document()
		assert.Equal(mt, string(model.StatusPending), query.Lookup("status").StringValue())
		assert.Equal(mt, int64(3), query.Lookup("attempts", "$lt").AsInt64())
		expr := query.Lookup("$expr", "$lt").Array()
		assert.Equal(mt, "$attempts", expr.Index(0).Value().StringValue())
		assert.Equal(mt, "$maxAttempts", expr.Index(1).Value().StringValue())

		sort := evt.Command.Lookup("sort").Document()
		assert.Equal(mt, "createdAt", sort.Index(0).Key())
		assert.Equal(mt, "_id", sort.Index(1).Key())

		update := evt.Command.Lookup("update").Document()
		assert.Equal(mt, string(model.StatusProcessing), update.Lookup("$set", "status").StringValue())
		assert.Equal(mt, int64(1), update.Lookup("$inc", "attempts").AsInt64())
		assert.True(mt, evt.Command.Lookup("new").Boolean())

		assert.Len(mt, mt.GetAllStartedEvents(), 3)
	})

	mt.Run("stops at the limit", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, mt.Coll)
		mt.AddMockResponses(found(claimedDoc("e1", 1)), found(claimedDoc("e2", 1)))

		claimed, err := s.ClaimBatch(context.Background(), 2, 3)
		require.NoError(mt, err)
		assert.Len(mt, claimed, 2)
		assert.Len(mt, mt.GetAllStartedEvents(), 2)
	})

	mt.Run("returns what was claimed before an error", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, mt.Coll)
		mt.AddMockResponses(found(claimedDoc("e1", 1)), mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Name:    "BadValue",
			Message: "bad value",
		}))

		claimed, err := s.ClaimBatch(context.Background(), 3, 3)
		require.Error(mt, err)
		require.Len(mt, claimed, 1)
		assert.Equal(mt, "e1", claimed[0].ID)
	})

	mt.Run("non-positive limit claims nothing", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, mt.Coll)

		for _, limit := range []int{0, -1} {
			claimed, err := s.ClaimBatch(context.Background(), limit, 3)
			require.NoError(mt, err)
			assert.Empty(mt, claimed)
		}
		assert.Nil(mt, mt.GetStartedEvent())
	})
}

func TestMongoFinalize(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success is guarded on processing", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, mt.Coll)
		mt.AddMockResponses(updated(1))

		require.NoError(mt, s.FinalizeSuccess(context.Background(), "e1", "pm-1"))

		evt := mt.GetStartedEvent()
		require.NotNil(mt, evt)
		assert.Equal(mt, "update", evt.CommandName)
		q := evt.Command.Lookup("updates", "0", "q").Document()
		assert.Equal(mt, "e1", q.Lookup("_id").StringValue())
		assert.Equal(mt, string(model.StatusProcessing), q.Lookup("status").StringValue())
		set := evt.Command.Lookup("updates", "0", "u", "$set").Document()
		assert.Equal(mt, string(model.StatusSent), set.Lookup("status").StringValue())
		assert.Equal(mt, "pm-1", set.Lookup("providerMessageId").StringValue())
	})

	mt.Run("outcome picks pending or failed", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, mt.Coll)
		mt.AddMockResponses(updated(1), updated(1))

		require.NoError(mt, s.FinalizeOutcome(context.Background(), "e1", "timeout", 1, 3))
		require.NoError(mt, s.FinalizeOutcome(context.Background(), "e2", "timeout", 3, 3))

		for _, want := range []model.Status{model.StatusPending, model.StatusFailed} {
			evt := mt.GetStartedEvent()
			require.NotNil(mt, evt)
			set := evt.Command.Lookup("updates", "0", "u", "$set").Document()
			assert.Equal(mt, string(want), set.Lookup("status").StringValue())
			assert.Equal(mt, "timeout", set.Lookup("lastError").StringValue())
		}
	})

	mt.Run("unmatched record is skipped", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, mt.Coll)
		mt.AddMockResponses(updated(0), updated(0))

		assert.NoError(mt, s.FinalizeSuccess(context.Background(), "gone", "pm-1"))
		assert.NoError(mt, s.FinalizeOutcome(context.Background(), "gone", "timeout", 1, 3))
	})
}

func TestMongoReleaseStale(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("fails exhausted claims and requeues the rest", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, mt.Coll)
		mt.AddMockResponses(updated(1), updated(2))

		cutoff := time.Now().UTC().Add(-15 * time.Minute)
		released, err := s.ReleaseStale(context.Background(), cutoff)
		require.NoError(mt, err)
		assert.Equal(mt, int64(3), released)

		events := mt.GetAllStartedEvents()
		require.Len(mt, events, 2)

		failQ := events[0].Command.Lookup("updates", "0", "q").Document()
		assert.Equal(mt, string(model.StatusProcessing), failQ.Lookup("status").StringValue())
		_, err = failQ.LookupErr("$expr", "$gte")
		assert.NoError(mt, err)
		failSet := events[0].Command.Lookup("updates", "0", "u", "$set").Document()
		assert.Equal(mt, string(model.StatusFailed), failSet.Lookup("status").StringValue())
		assert.Equal(mt, AbandonedError, failSet.Lookup("lastError").StringValue())
		assert.True(mt, events[0].Command.Lookup("updates", "0", "multi").Boolean())

		requeueQ := events[1].Command.Lookup("updates", "0", "q").Document()
		_, err = requeueQ.LookupErr("$expr", "$lt")
		assert.NoError(mt, err)
		requeueSet := events[1].Command.Lookup("updates", "0", "u", "$set").Document()
		assert.Equal(mt, string(model.StatusPending), requeueSet.Lookup("status").StringValue())
	})

	mt.Run("stops when the fail update errors", func(mt *mtest.T) {
		s := NewMongoStore(mt.Client, mt.Coll)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Name:    "BadValue",
			Message: "bad value",
		}))

		_, err := s.ReleaseStale(context.Background(), time.Now().UTC())
		require.Error(mt, err)
		assert.Len(mt, mt.GetAllStartedEvents(), 1)
	})
}
