package mongo

import (
	"encoding/json"
	"time"

	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/task"
	"github.com/tokligence/taskd/internal/userstore"
	"github.com/tokligence/taskd/internal/voucher"
)

// ==================== Ledger models ====================

type accountModel struct {
	UserID              string    `bson:"_id"`
	SubscriptionBalance int64     `bson:"subscription_balance"`
	Balance             int64     `bson:"balance"`
	Version             int64     `bson:"version"`
	CreatedAt           time.Time `bson:"created_at"`
	UpdatedAt           time.Time `bson:"updated_at"`
}

func fromAccountModel(m *accountModel) ledger.Account {
	return ledger.Account{
		UserID:              m.UserID,
		SubscriptionBalance: m.SubscriptionBalance,
		Balance:             m.Balance,
		Version:             m.Version,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

type transactionModel struct {
	ID                string    `bson:"_id"`
	UserID            string    `bson:"user_id"`
	Type              string    `bson:"type"`
	Amount            int64     `bson:"amount"`
	SubscriptionDelta int64     `bson:"subscription_delta"`
	BalanceDelta      int64     `bson:"balance_delta"`
	TaskID            string    `bson:"task_id,omitempty"`
	EventID           string    `bson:"event_id,omitempty"`
	EventType         string    `bson:"event_type,omitempty"`
	Memo              string    `bson:"memo,omitempty"`
	CreatedAt         time.Time `bson:"created_at"`
}

func toTransactionModel(t ledger.Transaction) *transactionModel {
	return &transactionModel{
		ID:                t.ID,
		UserID:            t.UserID,
		Type:              string(t.Type),
		Amount:            t.Amount,
		SubscriptionDelta: t.SubscriptionDelta,
		BalanceDelta:      t.BalanceDelta,
		TaskID:            t.TaskID,
		EventID:           t.EventID,
		EventType:         t.EventType,
		Memo:              t.Memo,
		CreatedAt:         t.CreatedAt,
	}
}

func fromTransactionModel(m *transactionModel) ledger.Transaction {
	return ledger.Transaction{
		ID:                m.ID,
		UserID:            m.UserID,
		Type:              ledger.TxType(m.Type),
		Amount:            m.Amount,
		SubscriptionDelta: m.SubscriptionDelta,
		BalanceDelta:      m.BalanceDelta,
		TaskID:            m.TaskID,
		EventID:           m.EventID,
		EventType:         m.EventType,
		Memo:              m.Memo,
		CreatedAt:         m.CreatedAt,
	}
}

// ==================== Task models ====================

type taskModel struct {
	ID          string     `bson:"_id"`
	ExternalID  string     `bson:"external_id,omitempty"`
	UserID      string     `bson:"user_id"`
	AgentID     string     `bson:"agent_id"`
	Generator   string     `bson:"generator"`
	Version     string     `bson:"version"`
	Provider    string     `bson:"provider"`
	OutputKind  string     `bson:"output_kind"`
	Config      string     `bson:"config"`
	Status      string     `bson:"status"`
	Progress    float64    `bson:"progress"`
	Stage       int        `bson:"stage"`
	Cost        int64      `bson:"cost"`
	Error       string     `bson:"error"`
	Result      string     `bson:"result"`
	Webhooks    []string   `bson:"webhooks"`
	OutputSeq   int        `bson:"output_seq"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty"`
}

func toTaskModel(t task.Task) (*taskModel, error) {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return nil, err
	}
	webhooks := t.Webhooks
	if webhooks == nil {
		webhooks = []string{}
	}
	return &taskModel{
		ID:          t.ID,
		ExternalID:  t.TaskID,
		UserID:      t.UserID,
		AgentID:     t.AgentID,
		Generator:   t.Generator,
		Version:     t.Version,
		Provider:    t.Provider,
		OutputKind:  t.OutputKind,
		Config:      string(cfg),
		Status:      string(t.Status),
		Progress:    t.Progress,
		Stage:       t.Stage,
		Cost:        t.Cost,
		Error:       t.Error,
		Result:      t.Result,
		Webhooks:    webhooks,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
		CompletedAt: t.CompletedAt,
	}, nil
}

func fromTaskModel(m *taskModel) (task.Task, error) {
	t := task.Task{
		ID:          m.ID,
		TaskID:      m.ExternalID,
		UserID:      m.UserID,
		AgentID:     m.AgentID,
		Generator:   m.Generator,
		Version:     m.Version,
		Provider:    m.Provider,
		OutputKind:  m.OutputKind,
		Status:      task.Status(m.Status),
		Progress:    m.Progress,
		Stage:       m.Stage,
		Cost:        m.Cost,
		Error:       m.Error,
		Result:      m.Result,
		Webhooks:    m.Webhooks,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CompletedAt: m.CompletedAt,
	}
	if m.Config != "" && m.Config != "null" {
		if err := json.Unmarshal([]byte(m.Config), &t.Config); err != nil {
			return task.Task{}, err
		}
	}
	return t, nil
}

type outputModel struct {
	TaskID    string    `bson:"task_id"`
	Seq       int       `bson:"seq"`
	URI       string    `bson:"uri"`
	Text      string    `bson:"text"`
	MimeType  string    `bson:"mime_type"`
	CreatedAt time.Time `bson:"created_at"`
}

type artifactModel struct {
	ID        string            `bson:"_id"`
	TaskID    string            `bson:"task_id"`
	UserID    string            `bson:"user_id"`
	Index     int               `bson:"idx"`
	Kind      string            `bson:"kind"`
	URI       string            `bson:"uri"`
	Text      string            `bson:"text"`
	MimeType  string            `bson:"mime_type"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
	CreatedAt time.Time         `bson:"created_at"`
}

func fromArtifactModel(m *artifactModel) task.Artifact {
	return task.Artifact{
		ID:        m.ID,
		TaskID:    m.TaskID,
		UserID:    m.UserID,
		Index:     m.Index,
		Kind:      m.Kind,
		URI:       m.URI,
		Text:      m.Text,
		MimeType:  m.MimeType,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
	}
}

// ==================== User models ====================

type userModel struct {
	ID            string    `bson:"_id"`
	Email         string    `bson:"email"`
	Role          string    `bson:"role"`
	Status        string    `bson:"status"`
	Entitlements  []string  `bson:"entitlements"`
	ArtifactCount int64     `bson:"artifact_count"`
	ConceptCount  int64     `bson:"concept_count"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

func fromUserModel(m *userModel) userstore.User {
	ents := m.Entitlements
	if ents == nil {
		ents = []string{}
	}
	return userstore.User{
		ID:            m.ID,
		Email:         m.Email,
		Role:          userstore.Role(m.Role),
		Status:        userstore.Status(m.Status),
		Entitlements:  ents,
		ArtifactCount: m.ArtifactCount,
		ConceptCount:  m.ConceptCount,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// ==================== Voucher models ====================

type voucherModel struct {
	ID           string    `bson:"_id"`
	Code         string    `bson:"code"`
	CodeLower    string    `bson:"code_lower"`
	Amount       int64     `bson:"amount"`
	Action       string    `bson:"action"`
	Entitlement  string    `bson:"entitlement"`
	AllowedUsers []string  `bson:"allowed_users"`
	MultiUse     bool      `bson:"multi_use"`
	Used         bool      `bson:"used"`
	RedeemedBy   []string  `bson:"redeemed_by"`
	CreatedAt    time.Time `bson:"created_at"`
}

func toVoucherModel(v voucher.Voucher) *voucherModel {
	allowed := v.AllowedUsers
	if allowed == nil {
		allowed = []string{}
	}
	redeemed := v.RedeemedBy
	if redeemed == nil {
		redeemed = []string{}
	}
	return &voucherModel{
		ID:           v.ID,
		Code:         v.Code,
		CodeLower:    voucher.Normalize(v.Code),
		Amount:       v.Amount,
		Action:       string(v.Action),
		Entitlement:  v.Entitlement,
		AllowedUsers: allowed,
		MultiUse:     v.MultiUse,
		Used:         v.Used,
		RedeemedBy:   redeemed,
		CreatedAt:    v.CreatedAt,
	}
}

func fromVoucherModel(m *voucherModel) voucher.Voucher {
	return voucher.Voucher{
		ID:           m.ID,
		Code:         m.Code,
		Amount:       m.Amount,
		Action:       voucher.Action(m.Action),
		Entitlement:  m.Entitlement,
		AllowedUsers: m.AllowedUsers,
		MultiUse:     m.MultiUse,
		Used:         m.Used,
		RedeemedBy:   m.RedeemedBy,
		CreatedAt:    m.CreatedAt,
	}
}

type redemptionModel struct {
	ID            string    `bson:"_id"`
	VoucherID     string    `bson:"voucher_id"`
	CodeLower     string    `bson:"code_lower"`
	UserID        string    `bson:"user_id"`
	TransactionID string    `bson:"transaction_id"`
	CreatedAt     time.Time `bson:"created_at"`
}
