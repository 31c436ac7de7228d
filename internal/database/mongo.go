package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/swapchat/internal/types"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	accountsColl     = "accounts"
	swapRequestsColl = "swap_requests"
	threadsColl      = "threads"
	messagesColl     = "messages"
	callsColl        = "calls"
)

type accountDoc struct {
	Id           string    `bson:"_id"`
	Username     string    `bson:"username"`
	Email        string    `bson:"email"`
	PasswordHash string    `bson:"password_hash"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

type swapRequestDoc struct {
	Id          string `bson:"_id"`
	RequesterId string `bson:"requester_id"`
	RecipientId string `bson:"recipient_id"`
	Status      int    `bson:"status"`
}

type threadDoc struct {
	Id            string    `bson:"_id"`
	SwapRequestId string    `bson:"swap_request_id"`
	Participants  []string  `bson:"participants"`
	LastMessageAt time.Time `bson:"last_message_at"`
	IsActive      bool      `bson:"is_active"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

type messageDoc struct {
	Id          string     `bson:"_id"`
	ThreadId    string     `bson:"thread_id"`
	SenderId    string     `bson:"sender_id"`
	Content     string     `bson:"content"`
	Type        string     `bson:"type"`
	IsRead      bool       `bson:"is_read"`
	ReadAt      *time.Time `bson:"read_at,omitempty"`
	ClientToken string     `bson:"client_token"`
	CreatedAt   time.Time  `bson:"created_at"`
}

type callDoc struct {
	Id              string     `bson:"_id"`
	ThreadId        string     `bson:"thread_id"`
	CallerId        string     `bson:"caller_id"`
	RecipientId     string     `bson:"recipient_id"`
	IsVideoCall     bool       `bson:"is_video_call"`
	Status          string     `bson:"status"`
	Active          bool       `bson:"active"`
	StartedAt       time.Time  `bson:"started_at"`
	EndedAt         *time.Time `bson:"ended_at,omitempty"`
	DurationSeconds int        `bson:"duration_seconds"`
	Signaling       Signaling  `bson:"signaling"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
}

// MongoRepository stores the same records as PgRepository in a MongoDB database.
type MongoRepository struct {
	client   *mongo.Client
	database *mongo.Database
	log      *log.Logger
}

func NewMongoRepository(ctx context.Context, uri, dbName string, logger *log.Logger) (*MongoRepository, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &MongoRepository{client: client, database: client.Database(dbName), log: logger}, nil
}

// EnsureIndexes creates the indexes the store relies on for uniqueness and ordering.
func (db *MongoRepository) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		accountsColl: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		threadsColl: {
			{Keys: bson.D{{Key: "swap_request_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "is_active", Value: 1}}},
		},
		messagesColl: {
			{Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		callsColl: {
			{
				Keys: bson.D{{Key: "thread_id", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(bson.D{{Key: "active", Value: true}}),
			},
			{Keys: bson.D{{Key: "caller_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "status", Value: 1}}},
		},
	}

	for coll, models := range indexes {
		if _, err := db.database.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}

	return nil
}

func (db *MongoRepository) Ping(ctx context.Context) error {
	return db.client.Ping(ctx, nil)
}

func (db *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.client.Disconnect(ctx)
}

func (db *MongoRepository) coll(name string) *mongo.Collection {
	return db.database.Collection(name)
}

func noDocuments(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

// usernames resolves account ids to usernames in one query.
func (db *MongoRepository) usernames(ctx context.Context, ids ...string) (map[string]string, error) {
	cur, err := db.coll(accountsColl).Find(ctx,
		bson.M{"_id": bson.M{"$in": ids}},
		options.Find().SetProjection(bson.M{"username": 1}),
	)
	if err != nil {
		return nil, fmt.Errorf("find accounts: %w", err)
	}

	var docs []accountDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode accounts: %w", err)
	}

	names := make(map[string]string, len(docs))
	for _, d := range docs {
		names[d.Id] = d.Username
	}
	return names, nil
}

func (db *MongoRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	now := time.Now().UTC()
	doc := accountDoc{
		Id:           uuid.NewString(),
		Username:     params.Username,
		Email:        params.EmailAddress,
		PasswordHash: params.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if _, err := db.coll(accountsColl).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return User{}, ErrDuplicate
		}
		return User{}, fmt.Errorf("insert account: %w", err)
	}

	return User{
		Id:           doc.Id,
		Username:     doc.Username,
		EmailAddress: doc.Email,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}, nil
}

func (db *MongoRepository) findAccount(ctx context.Context, filter bson.M) (User, error) {
	var doc accountDoc
	if err := db.coll(accountsColl).FindOne(ctx, filter).Decode(&doc); err != nil {
		return User{}, noDocuments(err)
	}

	return User{
		Id:           doc.Id,
		Username:     doc.Username,
		EmailAddress: doc.Email,
		PasswordHash: doc.PasswordHash,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}, nil
}

func (db *MongoRepository) GetAccountById(ctx context.Context, id string) (User, error) {
	u, err := db.findAccount(ctx, bson.M{"_id": id})
	u.PasswordHash = ""
	return u, err
}

func (db *MongoRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	return db.findAccount(ctx, bson.M{"email": email})
}

func (db *MongoRepository) GetSwapRequest(ctx context.Context, id string) (SwapRequest, error) {
	var doc swapRequestDoc
	if err := db.coll(swapRequestsColl).FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return SwapRequest{}, noDocuments(err)
	}

	return SwapRequest{
		Id:          doc.Id,
		RequesterId: doc.RequesterId,
		RecipientId: doc.RecipientId,
		Status:      doc.Status,
	}, nil
}

func (db *MongoRepository) toThread(ctx context.Context, doc threadDoc) (Thread, error) {
	names, err := db.usernames(ctx, doc.Participants...)
	if err != nil {
		return Thread{}, err
	}

	t := Thread{
		Id:            doc.Id,
		SwapRequestId: doc.SwapRequestId,
		LastMessageAt: doc.LastMessageAt,
		IsActive:      doc.IsActive,
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	for _, id := range doc.Participants {
		t.Participants = append(t.Participants, Participant{Id: id, Username: names[id]})
	}
	return t, nil
}

func (db *MongoRepository) CreateThread(ctx context.Context, params CreateThreadParams) (Thread, error) {
	now := time.Now().UTC()
	doc := threadDoc{
		Id:            uuid.NewString(),
		SwapRequestId: params.SwapRequestId,
		Participants:  []string{params.Participants[0], params.Participants[1]},
		LastMessageAt: now,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if _, err := db.coll(threadsColl).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Thread{}, ErrDuplicate
		}
		return Thread{}, fmt.Errorf("insert thread: %w", err)
	}

	return db.toThread(ctx, doc)
}

func (db *MongoRepository) GetThread(ctx context.Context, id string) (Thread, error) {
	var doc threadDoc
	if err := db.coll(threadsColl).FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return Thread{}, noDocuments(err)
	}

	return db.toThread(ctx, doc)
}

func (db *MongoRepository) ListThreads(ctx context.Context, userId string) ([]Thread, error) {
	cur, err := db.coll(threadsColl).Find(ctx,
		bson.M{"participants": userId, "is_active": true},
		options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find threads: %w", err)
	}

	var docs []threadDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode threads: %w", err)
	}

	threads := make([]Thread, 0, len(docs))
	for _, doc := range docs {
		t, err := db.toThread(ctx, doc)
		if err != nil {
			return nil, err
		}
		threads = append(threads, t)
	}
	return threads, nil
}

func (db *MongoRepository) ArchiveThread(ctx context.Context, id string) error {
	res, err := db.coll(threadsColl).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *MongoRepository) DeleteThread(ctx context.Context, id string) error {
	if _, err := db.coll(messagesColl).DeleteMany(ctx, bson.M{"thread_id": id}); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}

	if _, err := db.coll(callsColl).DeleteMany(ctx, bson.M{"thread_id": id}); err != nil {
		return fmt.Errorf("delete calls: %w", err)
	}

	res, err := db.coll(threadsColl).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func toMessage(doc messageDoc, username string) Message {
	return Message{
		Id:             doc.Id,
		ThreadId:       doc.ThreadId,
		SenderId:       doc.SenderId,
		SenderUsername: username,
		Content:        doc.Content,
		Type:           doc.Type,
		IsRead:         doc.IsRead,
		ReadAt:         doc.ReadAt,
		ClientToken:    doc.ClientToken,
		CreatedAt:      doc.CreatedAt,
	}
}

func (db *MongoRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	doc := messageDoc{
		Id:          uuid.NewString(),
		ThreadId:    params.ThreadId,
		SenderId:    params.SenderId,
		Content:     params.Content,
		Type:        params.Type,
		ClientToken: params.ClientToken,
		CreatedAt:   time.Now().UTC(),
	}

	if _, err := db.coll(messagesColl).InsertOne(ctx, doc); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if _, err := db.coll(threadsColl).UpdateOne(ctx,
		bson.M{"_id": params.ThreadId},
		bson.M{"$set": bson.M{"last_message_at": doc.CreatedAt, "updated_at": doc.CreatedAt}},
	); err != nil {
		// the message is stored; a stale last_message_at only affects thread ordering
		db.log.Printf("touch thread %s after message %s: %v", params.ThreadId, doc.Id, err)
	}

	names, err := db.usernames(ctx, doc.SenderId)
	if err != nil {
		db.log.Printf("resolve sender of message %s: %v", doc.Id, err)
	}

	return toMessage(doc, names[doc.SenderId]), nil
}

func (db *MongoRepository) GetMessage(ctx context.Context, threadId, messageId string) (Message, error) {
	var doc messageDoc
	err := db.coll(messagesColl).FindOne(ctx, bson.M{"_id": messageId, "thread_id": threadId}).Decode(&doc)
	if err != nil {
		return Message{}, noDocuments(err)
	}

	names, err := db.usernames(ctx, doc.SenderId)
	if err != nil {
		return Message{}, err
	}

	return toMessage(doc, names[doc.SenderId]), nil
}

func (db *MongoRepository) ListMessages(ctx context.Context, threadId string, page, limit int) ([]Message, int, error) {
	offset, size := PageBounds(page, limit, DefaultMessagePageSize)
	filter := bson.M{"thread_id": threadId}

	cur, err := db.coll(messagesColl).Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}}).
			SetSkip(int64(offset)).
			SetLimit(int64(size)),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("find messages: %w", err)
	}

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("decode messages: %w", err)
	}

	total, err := db.coll(messagesColl).CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.SenderId)
	}
	names, err := db.usernames(ctx, ids...)
	if err != nil {
		return nil, 0, err
	}

	messages := make([]Message, 0, len(docs))
	for _, d := range docs {
		messages = append(messages, toMessage(d, names[d.SenderId]))
	}
	return messages, int(total), nil
}

func (db *MongoRepository) MarkMessageRead(ctx context.Context, messageId string, readAt time.Time) error {
	_, err := db.coll(messagesColl).UpdateOne(ctx,
		bson.M{"_id": messageId, "is_read": false},
		bson.M{"$set": bson.M{"is_read": true, "read_at": readAt}},
	)
	return err
}

func (db *MongoRepository) toCall(ctx context.Context, doc callDoc) (Call, error) {
	names, err := db.usernames(ctx, doc.CallerId, doc.RecipientId)
	if err != nil {
		return Call{}, err
	}

	return Call{
		Id:                doc.Id,
		ThreadId:          doc.ThreadId,
		CallerId:          doc.CallerId,
		CallerUsername:    names[doc.CallerId],
		RecipientId:       doc.RecipientId,
		RecipientUsername: names[doc.RecipientId],
		IsVideoCall:       doc.IsVideoCall,
		Status:            types.CallStatus(doc.Status),
		StartedAt:         doc.StartedAt,
		EndedAt:           doc.EndedAt,
		DurationSeconds:   doc.DurationSeconds,
		Signaling:         doc.Signaling,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
	}, nil
}

func (db *MongoRepository) findCalls(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Call, error) {
	cur, err := db.coll(callsColl).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find calls: %w", err)
	}

	var docs []callDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode calls: %w", err)
	}

	calls := make([]Call, 0, len(docs))
	for _, d := range docs {
		c, err := db.toCall(ctx, d)
		if err != nil {
			return nil, err
		}
		calls = append(calls, c)
	}
	return calls, nil
}

func (db *MongoRepository) CreateCall(ctx context.Context, params CreateCallParams) (Call, error) {
	now := time.Now().UTC()
	doc := callDoc{
		Id:          uuid.NewString(),
		ThreadId:    params.ThreadId,
		CallerId:    params.CallerId,
		RecipientId: params.RecipientId,
		IsVideoCall: params.IsVideoCall,
		Status:      string(types.CallInitiated),
		Active:      true,
		StartedAt:   now,
		Signaling:   Signaling{IceCandidates: []IceCandidate{}},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if _, err := db.coll(callsColl).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Call{}, ErrConflict
		}
		return Call{}, fmt.Errorf("insert call: %w", err)
	}

	return db.toCall(ctx, doc)
}

func (db *MongoRepository) GetCall(ctx context.Context, id string) (Call, error) {
	var doc callDoc
	if err := db.coll(callsColl).FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return Call{}, noDocuments(err)
	}
	return db.toCall(ctx, doc)
}

func (db *MongoRepository) GetActiveCallForThread(ctx context.Context, threadId string) (Call, error) {
	var doc callDoc
	err := db.coll(callsColl).FindOne(ctx, bson.M{"thread_id": threadId, "active": true}).Decode(&doc)
	if err != nil {
		return Call{}, noDocuments(err)
	}
	return db.toCall(ctx, doc)
}

func (db *MongoRepository) TransitionCall(ctx context.Context, params TransitionCallParams) (Call, error) {
	set := bson.M{
		"status":     string(params.To),
		"active":     !params.To.Terminal(),
		"updated_at": time.Now().UTC(),
	}
	if params.EndedAt != nil {
		set["ended_at"] = *params.EndedAt
	}
	if params.DurationSeconds != nil {
		set["duration_seconds"] = *params.DurationSeconds
	}

	var doc callDoc
	err := db.coll(callsColl).FindOneAndUpdate(ctx,
		bson.M{"_id": params.CallId, "status": bson.M{"$in": statusStrings(params.From)}},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return Call{}, fmt.Errorf("update call: %w", err)
		}
		if _, err := db.GetCall(ctx, params.CallId); err != nil {
			return Call{}, err
		}
		return Call{}, ErrConflict
	}

	return db.toCall(ctx, doc)
}

func (db *MongoRepository) ListActiveCalls(ctx context.Context, userId string) ([]Call, error) {
	return db.findCalls(ctx,
		bson.M{
			"$or":    bson.A{bson.M{"caller_id": userId}, bson.M{"recipient_id": userId}},
			"status": bson.M{"$in": statusStrings(types.ActiveCallStatuses)},
		},
		options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}}),
	)
}

func (db *MongoRepository) ListCallHistory(ctx context.Context, userId string, page, limit int) ([]Call, int, error) {
	offset, size := PageBounds(page, limit, DefaultCallPageSize)
	filter := bson.M{
		"$or":    bson.A{bson.M{"caller_id": userId}, bson.M{"recipient_id": userId}},
		"status": bson.M{"$in": statusStrings(types.HistoryCallStatuses)},
	}

	calls, err := db.findCalls(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "started_at", Value: -1}}).
			SetSkip(int64(offset)).
			SetLimit(int64(size)),
	)
	if err != nil {
		return nil, 0, err
	}

	total, err := db.coll(callsColl).CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count calls: %w", err)
	}

	return calls, int(total), nil
}

func (db *MongoRepository) AppendSignaling(ctx context.Context, callId string, kind SignalingKind, data json.RawMessage, at time.Time) (Call, error) {
	var update bson.M
	switch kind {
	case SignalingOffer:
		update = bson.M{"$set": bson.M{"signaling.offer": []byte(data), "updated_at": at}}
	case SignalingAnswer:
		update = bson.M{"$set": bson.M{"signaling.answer": []byte(data), "updated_at": at}}
	case SignalingIceCandidate:
		update = bson.M{
			"$push": bson.M{"signaling.ice_candidates": IceCandidate{Candidate: data, Timestamp: at}},
			"$set":  bson.M{"updated_at": at},
		}
	default:
		return Call{}, fmt.Errorf("unknown signaling kind %q", kind)
	}

	var doc callDoc
	err := db.coll(callsColl).FindOneAndUpdate(ctx,
		bson.M{"_id": callId},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return Call{}, noDocuments(err)
	}

	return db.toCall(ctx, doc)
}
