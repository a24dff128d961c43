package models

// APIRequest is the common request structure for all admin API endpoints.
// Every call names its operation in the "actions" field.
type APIRequest struct {
	Actions string `json:"actions"`
}

// APIResponse is the standard response envelope.
type APIResponse struct {
	Status bool        `json:"status"`
	Msg    string      `json:"msg"`
	Obj    interface{} `json:"obj"`
}

// PaginatedResponse wraps list results with pagination info.
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// --- Wallet ---

type WalletCreditRequest struct {
	Actions string `json:"actions"`
	UserID  int64  `json:"user_id"`
	Amount  int64  `json:"amount"`
}

type TopUpReviewRequest struct {
	Actions string `json:"actions"`
	TopUpID uint   `json:"topup_id"`
	AdminID int64  `json:"admin_id"`
}

// --- Subscriptions ---

type PurchasesListRequest struct {
	Actions string `json:"actions"`
	UserID  int64  `json:"user_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Page    int    `json:"page,omitempty"`
}

type BuyRequest struct {
	Actions string `json:"actions"`
	UserID  int64  `json:"user_id"`
	PlanID  string `json:"plan_id"`
}

type ResolveLinkRequest struct {
	Actions    string `json:"actions"`
	PurchaseID uint   `json:"purchase_id"`
	Mode       string `json:"mode"` // local, panel or rotate
}
