package worker

import (
	"context"
	"fmt"
	"path"

	"rental-ops/internal/models"
)

// ContractSource loads the contract a document is rendered for.
type ContractSource interface {
	GetContract(ctx context.Context, id string) (models.Contract, error)
}

// DocumentHandler renders a contract document and uploads it.
type DocumentHandler struct {
	contracts ContractSource
	renderer  Renderer
	uploader  Uploader
}

func NewDocumentHandler(contracts ContractSource, renderer Renderer, uploader Uploader) *DocumentHandler {
	return &DocumentHandler{contracts: contracts, renderer: renderer, uploader: uploader}
}

// Handle produces the DocumentArtifact for a contract_document job.
func (h *DocumentHandler) Handle(ctx context.Context, job models.Job, progress ProgressFunc) (models.JobResult, error) {
	contract, err := h.contracts.GetContract(ctx, job.SubjectID)
	if err != nil {
		return models.JobResult{}, fmt.Errorf("load contract: %w", err)
	}
	if err := progress(30); err != nil {
		return models.JobResult{}, err
	}

	templateName := job.TemplateName
	if templateName == "" {
		templateName = contract.TemplateName
	}
	body, contentType, err := h.renderer.Render(ctx, contract, templateName)
	if err != nil {
		return models.JobResult{}, err
	}
	if err := progress(70); err != nil {
		return models.JobResult{}, err
	}

	key := path.Join("contracts", contract.ID, job.ID+".html")
	stored, err := h.uploader.Upload(ctx, key, body, contentType)
	if err != nil {
		return models.JobResult{}, fmt.Errorf("upload: %w", err)
	}
	if err := progress(90); err != nil {
		return models.JobResult{}, err
	}

	return models.JobResult{Document: &models.DocumentArtifact{
		Key:          key,
		Location:     stored.Location,
		URL:          stored.URL,
		ContentType:  contentType,
		SizeBytes:    int64(len(body)),
		TemplateName: templateName,
	}}, nil
}
