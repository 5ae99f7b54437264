package models

import "time"

// ContractStatus follows the contract lifecycle managed by the guarded mutations.
type ContractStatus string

const (
	ContractPending    ContractStatus = "pending"
	ContractActive     ContractStatus = "active"
	ContractTerminated ContractStatus = "terminated"
)

// Contract is the subject of document jobs and payment verification.
type Contract struct {
	ID               string         `json:"id"`
	Code             string         `json:"code"`
	TenantName       string         `json:"tenantName"`
	PropertyAddress  string         `json:"propertyAddress"`
	Status           ContractStatus `json:"status"`
	MonthlyRent      float64        `json:"monthlyRent"`
	Deposit          float64        `json:"deposit"`
	PaymentReference string         `json:"paymentReference"`
	ExpectedAmount   float64        `json:"expectedAmount"`
	TemplateName     string         `json:"templateName"`
	StartDate        time.Time      `json:"startDate"`
	EndDate          time.Time      `json:"endDate"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// BankAccount is a receiving account payments are reconciled against.
type BankAccount struct {
	ID            string `json:"id"`
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
	Active        bool   `json:"active"`
}

// Payment is a reconciled transaction recorded against a contract.
type Payment struct {
	ContractID    string    `json:"contractId"`
	TransactionID string    `json:"transactionId"`
	Amount        float64   `json:"amount"`
	PaidAt        time.Time `json:"paidAt"`
	BankCode      string    `json:"bankCode"`
	AccountNumber string    `json:"accountNumber"`
	Narrative     string    `json:"narrative"`
	RecordedAt    time.Time `json:"recordedAt"`
}
