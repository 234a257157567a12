// Package mongo implements the domain stores on MongoDB. Multi-document
// writes run in transactions, so the server must be a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/provider"
	"github.com/tokligence/taskd/internal/task"
	"github.com/tokligence/taskd/internal/userstore"
	"github.com/tokligence/taskd/internal/voucher"
)

// Collection name constants.
const (
	colAccounts     = "accounts"
	colTransactions = "transactions"
	colTasks        = "tasks"
	colOutputs      = "task_outputs"
	colArtifacts    = "artifacts"
	colUsers        = "users"
	colVouchers     = "vouchers"
	colRedemptions  = "voucher_redemptions"
)

var terminalStatuses = bson.A{string(task.StatusCompleted), string(task.StatusFailed)}

// compile-time interface checks
var (
	_ ledger.Store    = (*Store)(nil)
	_ task.Store      = (*Store)(nil)
	_ voucher.Store   = (*Store)(nil)
	_ userstore.Store = (*Store)(nil)
)

// Store implements every domain store on one MongoDB database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// Open connects to uri, selects database and migrates indexes.
func Open(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("taskd/mongo: connect: %w", err)
	}
	s := New(client, database)
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("taskd/mongo: ping: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// New wraps an existing client.
func New(client *mongo.Client, database string) *Store {
	return &Store{client: client, db: client.Database(database)}
}

// Migrate creates indexes for all collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("taskd/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Drop removes the database. Used by tests.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) col(name string) *mongo.Collection {
	return s.db.Collection(name)
}

func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// ==================== Ledger Store ====================

func (s *Store) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	var m accountModel
	err := s.col(colAccounts).FindOne(ctx, bson.M{"_id": userID}).Decode(&m)
	if isNoDocuments(err) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("taskd/mongo: get account: %w", err)
	}
	return fromAccountModel(&m), nil
}

func (s *Store) EnsureAccount(ctx context.Context, userID string) (ledger.Account, error) {
	t := now()
	_, err := s.col(colAccounts).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$setOnInsert": bson.M{
			"subscription_balance": int64(0),
			"balance":              int64(0),
			"version":              int64(0),
			"created_at":           t,
			"updated_at":           t,
		}},
		options.UpdateOne().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return ledger.Account{}, fmt.Errorf("taskd/mongo: ensure account: %w", err)
	}
	return s.GetAccount(ctx, userID)
}

func (s *Store) ApplyTransaction(ctx context.Context, expectedVersion int64, next ledger.Account, t ledger.Transaction) error {
	return s.inTx(ctx, func(ctx context.Context) error {
		res, err := s.col(colAccounts).UpdateOne(ctx,
			bson.M{"_id": next.UserID, "version": expectedVersion},
			bson.M{"$set": bson.M{
				"subscription_balance": next.SubscriptionBalance,
				"balance":              next.Balance,
				"version":              next.Version,
				"updated_at":           next.UpdatedAt,
			}})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return ledger.ErrVersionConflict
		}
		if _, err := s.col(colTransactions).InsertOne(ctx, toTransactionModel(t)); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return ledger.ErrDuplicateTransaction
			}
			return err
		}
		return nil
	})
}

func (s *Store) FindTransaction(ctx context.Context, eventID, eventType string) (ledger.Transaction, error) {
	var m transactionModel
	err := s.col(colTransactions).FindOne(ctx, bson.M{"event_id": eventID, "event_type": eventType}).Decode(&m)
	if isNoDocuments(err) {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("taskd/mongo: find transaction: %w", err)
	}
	return fromTransactionModel(&m), nil
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := s.col(colTransactions).Find(ctx, bson.M{"user_id": userID},
		options.Find().
			SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("taskd/mongo: list transactions: %w", err)
	}
	var models []transactionModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, err
	}
	out := make([]ledger.Transaction, len(models))
	for i := range models {
		out[i] = fromTransactionModel(&models[i])
	}
	return out, nil
}

// ==================== Task Store ====================

func (s *Store) CreateTask(ctx context.Context, t task.Task) error {
	m, err := toTaskModel(t)
	if err != nil {
		return err
	}
	if _, err := s.col(colTasks).InsertOne(ctx, m); err != nil {
		return fmt.Errorf("taskd/mongo: create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	return s.findTask(ctx, bson.M{"_id": id})
}

func (s *Store) GetTaskByExternalID(ctx context.Context, externalID string) (task.Task, error) {
	if externalID == "" {
		return task.Task{}, task.ErrNotFound
	}
	return s.findTask(ctx, bson.M{"external_id": externalID})
}

func (s *Store) findTask(ctx context.Context, filter bson.M) (task.Task, error) {
	var m taskModel
	err := s.col(colTasks).FindOne(ctx, filter).Decode(&m)
	if isNoDocuments(err) {
		return task.Task{}, task.ErrNotFound
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("taskd/mongo: get task: %w", err)
	}
	return fromTaskModel(&m)
}

func (s *Store) ListTasks(ctx context.Context, f task.Filter) ([]task.Task, error) {
	filter := bson.M{}
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if f.Status != "" {
		filter["status"] = string(f.Status)
	}
	if f.TaskID != "" {
		filter["external_id"] = f.TaskID
	}
	created := bson.M{}
	if !f.Since.IsZero() {
		created["$gte"] = f.Since.UTC()
	}
	if !f.Until.IsZero() {
		created["$lt"] = f.Until.UTC()
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	if f.Offset > 0 {
		opts = opts.SetSkip(int64(f.Offset))
	}
	cur, err := s.col(colTasks).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("taskd/mongo: list tasks: %w", err)
	}
	var models []taskModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, err
	}
	out := make([]task.Task, 0, len(models))
	for i := range models {
		t, err := fromTaskModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, p task.Patch) (bool, error) {
	var applied bool
	err := s.inTx(ctx, func(ctx context.Context) error {
		_, ok, err := s.patchTask(ctx, id, p)
		applied = ok
		return err
	})
	return applied, err
}

func (s *Store) CompleteTask(ctx context.Context, id string, p task.Patch, artifacts []task.Artifact) (bool, error) {
	var applied bool
	err := s.inTx(ctx, func(ctx context.Context) error {
		m, ok, err := s.patchTask(ctx, id, p)
		if err != nil || !ok {
			applied = false
			return err
		}
		if len(artifacts) > 0 {
			docs := make([]any, len(artifacts))
			for i, a := range artifacts {
				docs[i] = &artifactModel{
					ID:        a.ID,
					TaskID:    id,
					UserID:    m.UserID,
					Index:     a.Index,
					Kind:      a.Kind,
					URI:       a.URI,
					Text:      a.Text,
					MimeType:  a.MimeType,
					Metadata:  a.Metadata,
					CreatedAt: a.CreatedAt,
				}
			}
			if _, err := s.col(colArtifacts).InsertMany(ctx, docs); err != nil {
				return fmt.Errorf("taskd/mongo: insert artifacts: %w", err)
			}
		}
		if err := s.bumpCounters(ctx, m.UserID, provider.OutputKind(m.OutputKind), int64(len(artifacts))); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) bumpCounters(ctx context.Context, userID string, kind provider.OutputKind, n int64) error {
	field := ""
	switch kind {
	case provider.OutputArtifact:
		field = "artifact_count"
	case provider.OutputConcept:
		field = "concept_count"
	}
	if field == "" || n == 0 {
		return nil
	}
	t := now()
	onInsert := bson.M{
		"email":        "",
		"role":         string(userstore.RoleUser),
		"status":       string(userstore.StatusActive),
		"entitlements": bson.A{},
		"created_at":   t,
	}
	if field == "artifact_count" {
		onInsert["concept_count"] = int64(0)
	} else {
		onInsert["artifact_count"] = int64(0)
	}
	_, err := s.col(colUsers).UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{
			"$inc":         bson.M{field: n},
			"$set":         bson.M{"updated_at": t},
			"$setOnInsert": onInsert,
		},
		options.UpdateOne().SetUpsert(true))
	return err
}

// patchTask applies p to an open task and returns the updated document.
// Progress never moves backwards within a stage; a later stage resets it.
func (s *Store) patchTask(ctx context.Context, id string, p task.Patch) (*taskModel, bool, error) {
	t := now()
	set := bson.M{"updated_at": t}
	if p.Status != nil {
		set["status"] = string(*p.Status)
		if p.Status.Terminal() {
			set["completed_at"] = t
		}
	}
	switch {
	case p.Stage != nil && p.Progress != nil:
		stage, progress := *p.Stage, *p.Progress
		set["progress"] = bson.M{"$cond": bson.A{
			bson.M{"$gt": bson.A{stage, "$stage"}},
			progress,
			bson.M{"$cond": bson.A{
				bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{stage, "$stage"}},
					bson.M{"$gt": bson.A{progress, "$progress"}},
				}},
				progress,
				"$progress",
			}},
		}}
		set["stage"] = bson.M{"$max": bson.A{"$stage", stage}}
	case p.Stage != nil:
		stage := *p.Stage
		set["progress"] = bson.M{"$cond": bson.A{bson.M{"$gt": bson.A{stage, "$stage"}}, 0.0, "$progress"}}
		set["stage"] = bson.M{"$max": bson.A{"$stage", stage}}
	case p.Progress != nil:
		set["progress"] = bson.M{"$max": bson.A{"$progress", *p.Progress}}
	}
	if p.Error != nil {
		set["error"] = bson.M{"$literal": *p.Error}
	}
	if p.Result != nil {
		set["result"] = bson.M{"$literal": *p.Result}
	}
	if p.TaskID != nil && *p.TaskID != "" {
		set["external_id"] = bson.M{"$literal": *p.TaskID}
	}
	if n := len(p.Outputs); n > 0 {
		set["output_seq"] = bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$output_seq", 0}}, n}}
	}

	var m taskModel
	err := s.col(colTasks).FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": bson.M{"$nin": terminalStatuses}},
		bson.A{bson.M{"$set": set}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if isNoDocuments(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("taskd/mongo: update task: %w", err)
	}
	if n := len(p.Outputs); n > 0 {
		docs := make([]any, n)
		for i, o := range p.Outputs {
			docs[i] = &outputModel{
				TaskID:    id,
				Seq:       m.OutputSeq - n + i + 1,
				URI:       o.URI,
				Text:      o.Text,
				MimeType:  o.MimeType,
				CreatedAt: t,
			}
		}
		if _, err := s.col(colOutputs).InsertMany(ctx, docs); err != nil {
			return nil, false, fmt.Errorf("taskd/mongo: insert outputs: %w", err)
		}
	}
	return &m, true, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.inTx(ctx, func(ctx context.Context) error {
		if _, err := s.col(colOutputs).DeleteMany(ctx, bson.M{"task_id": id}); err != nil {
			return err
		}
		if _, err := s.col(colArtifacts).DeleteMany(ctx, bson.M{"task_id": id}); err != nil {
			return err
		}
		_, err := s.col(colTasks).DeleteOne(ctx, bson.M{"_id": id})
		return err
	})
}

func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]task.Artifact, error) {
	cur, err := s.col(colArtifacts).Find(ctx, bson.M{"task_id": taskID},
		options.Find().SetSort(bson.D{{Key: "idx", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("taskd/mongo: list artifacts: %w", err)
	}
	var models []artifactModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, err
	}
	out := make([]task.Artifact, len(models))
	for i := range models {
		out[i] = fromArtifactModel(&models[i])
	}
	return out, nil
}

func (s *Store) ListOutputs(ctx context.Context, taskID string) ([]task.Output, error) {
	cur, err := s.col(colOutputs).Find(ctx, bson.M{"task_id": taskID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("taskd/mongo: list outputs: %w", err)
	}
	var models []outputModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, err
	}
	out := make([]task.Output, len(models))
	for i, m := range models {
		out[i] = task.Output{TaskID: m.TaskID, Seq: m.Seq, URI: m.URI, Text: m.Text, MimeType: m.MimeType, CreatedAt: m.CreatedAt}
	}
	return out, nil
}

// ==================== User Store ====================

func (s *Store) GetUser(ctx context.Context, id string) (userstore.User, error) {
	var m userModel
	err := s.col(colUsers).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if isNoDocuments(err) {
		return userstore.User{}, userstore.ErrNotFound
	}
	if err != nil {
		return userstore.User{}, fmt.Errorf("taskd/mongo: get user: %w", err)
	}
	return fromUserModel(&m), nil
}

func (s *Store) EnsureUser(ctx context.Context, u userstore.User) (userstore.User, error) {
	if u.ID == "" {
		return userstore.User{}, errors.New("taskd/mongo: user id required")
	}
	if err := s.upsertUser(ctx, u); err != nil {
		return userstore.User{}, err
	}
	return s.GetUser(ctx, u.ID)
}

func (s *Store) upsertUser(ctx context.Context, u userstore.User) error {
	if u.Role == "" {
		u.Role = userstore.RoleUser
	}
	if u.Status == "" {
		u.Status = userstore.StatusActive
	}
	t := now()
	_, err := s.col(colUsers).UpdateOne(ctx,
		bson.M{"_id": u.ID},
		bson.M{"$setOnInsert": bson.M{
			"email":          u.Email,
			"role":           string(u.Role),
			"status":         string(u.Status),
			"entitlements":   bson.A{},
			"artifact_count": int64(0),
			"concept_count":  int64(0),
			"created_at":     t,
			"updated_at":     t,
		}},
		options.UpdateOne().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("taskd/mongo: ensure user: %w", err)
	}
	return nil
}

func (s *Store) SetUserRole(ctx context.Context, id string, role userstore.Role) error {
	res, err := s.col(colUsers).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"role": string(role), "updated_at": now()}})
	if err != nil {
		return fmt.Errorf("taskd/mongo: set role: %w", err)
	}
	if res.MatchedCount == 0 {
		return userstore.ErrNotFound
	}
	return nil
}

func (s *Store) GrantEntitlement(ctx context.Context, userID, flag string) (bool, error) {
	if err := s.upsertUser(ctx, userstore.User{ID: userID}); err != nil {
		return false, err
	}
	res, err := s.col(colUsers).UpdateOne(ctx,
		bson.M{"_id": userID, "entitlements": bson.M{"$ne": flag}},
		bson.M{
			"$addToSet": bson.M{"entitlements": flag},
			"$set":      bson.M{"updated_at": now()},
		})
	if err != nil {
		return false, fmt.Errorf("taskd/mongo: grant entitlement: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// ==================== Voucher Store ====================

func (s *Store) CreateVoucher(ctx context.Context, v voucher.Voucher) error {
	if _, err := s.col(colVouchers).InsertOne(ctx, toVoucherModel(v)); err != nil {
		return fmt.Errorf("taskd/mongo: create voucher: %w", err)
	}
	return nil
}

func (s *Store) FindVouchers(ctx context.Context, code string) ([]voucher.Voucher, error) {
	cur, err := s.col(colVouchers).Find(ctx, bson.M{"code_lower": voucher.Normalize(code)},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("taskd/mongo: find vouchers: %w", err)
	}
	var models []voucherModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, err
	}
	out := make([]voucher.Voucher, len(models))
	for i := range models {
		out[i] = fromVoucherModel(&models[i])
	}
	return out, nil
}

func (s *Store) HasRedeemed(ctx context.Context, code, userID string) (bool, error) {
	n, err := s.col(colRedemptions).CountDocuments(ctx, bson.M{"code_lower": voucher.Normalize(code), "user_id": userID})
	if err != nil {
		return false, fmt.Errorf("taskd/mongo: count redemptions: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ClaimVoucher(ctx context.Context, code, userID string) (voucher.Voucher, error) {
	var m voucherModel
	err := s.col(colVouchers).FindOneAndUpdate(ctx,
		bson.M{"code_lower": voucher.Normalize(code), "multi_use": false, "used": false},
		bson.M{"$set": bson.M{"used": true, "redeemed_by": bson.A{userID}}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
			SetReturnDocument(options.After),
	).Decode(&m)
	if isNoDocuments(err) {
		return voucher.Voucher{}, voucher.ErrExhausted
	}
	if err != nil {
		return voucher.Voucher{}, fmt.Errorf("taskd/mongo: claim voucher: %w", err)
	}
	return fromVoucherModel(&m), nil
}

func (s *Store) ReleaseVoucher(ctx context.Context, id string) error {
	_, err := s.col(colVouchers).UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"used": false, "redeemed_by": bson.A{}}})
	if err != nil {
		return fmt.Errorf("taskd/mongo: release voucher: %w", err)
	}
	return nil
}

func (s *Store) RecordRedemption(ctx context.Context, r voucher.Redemption) error {
	_, err := s.col(colRedemptions).InsertOne(ctx, &redemptionModel{
		ID:            r.ID,
		VoucherID:     r.VoucherID,
		CodeLower:     voucher.Normalize(r.Code),
		UserID:        r.UserID,
		TransactionID: r.TransactionID,
		CreatedAt:     r.CreatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return voucher.ErrAlreadyRedeemed
	}
	if err != nil {
		return fmt.Errorf("taskd/mongo: record redemption: %w", err)
	}
	return nil
}

// ==================== Helpers ====================

func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	hasString := func(field string) bson.M {
		return bson.M{field: bson.M{"$type": "string"}}
	}
	return map[string][]mongo.IndexModel{
		colTransactions: {
			{
				Keys:    bson.D{{Key: "event_id", Value: 1}, {Key: "event_type", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(hasString("event_id")),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colTasks: {
			{
				Keys:    bson.D{{Key: "external_id", Value: 1}},
				Options: options.Index().SetUnique(true).SetPartialFilterExpression(hasString("external_id")),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colOutputs: {
			{
				Keys:    bson.D{{Key: "task_id", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colArtifacts: {
			{Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "idx", Value: 1}}},
		},
		colVouchers: {
			{Keys: bson.D{{Key: "code_lower", Value: 1}, {Key: "used", Value: 1}}},
		},
		colRedemptions: {
			{
				Keys:    bson.D{{Key: "code_lower", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
