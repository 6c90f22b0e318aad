package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/matheus3301/courier/internal/templates"
)

// Templates is the template store surface.
type Templates interface {
	Create(ctx context.Context, ownerID, name, body string) (*templates.Template, error)
	List(ctx context.Context, ownerID string) ([]templates.Template, error)
	Update(ctx context.Context, id, name, body string) error
	Delete(ctx context.Context, id string) error
}

// TemplateService exposes template CRUD.
type TemplateService struct {
	store Templates
}

// NewTemplateService creates a new template service.
func NewTemplateService(store Templates) *TemplateService {
	return &TemplateService{store: store}
}

func (s *TemplateService) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: TemplateServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			unary(TemplateServiceName, "Create", s.Create),
			unary(TemplateServiceName, "List", s.List),
			unary(TemplateServiceName, "Update", s.Update),
			unary(TemplateServiceName, "Delete", s.Delete),
		},
	}
}

func (s *TemplateService) Create(ctx context.Context, req *CreateTemplateRequest) (*Template, error) {
	t, err := s.store.Create(ctx, req.OwnerID, req.Name, req.Body)
	if err != nil {
		return nil, err
	}
	out := templateToWire(*t)
	return &out, nil
}

func (s *TemplateService) List(ctx context.Context, req *ListTemplatesRequest) (*ListTemplatesResponse, error) {
	if req.OwnerID == "" {
		return nil, badRequest("owner id is required")
	}
	ts, err := s.store.List(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	resp := &ListTemplatesResponse{Templates: make([]Template, 0, len(ts))}
	for _, t := range ts {
		resp.Templates = append(resp.Templates, templateToWire(t))
	}
	return resp, nil
}

func (s *TemplateService) Update(ctx context.Context, req *UpdateTemplateRequest) (*Empty, error) {
	return &Empty{}, s.store.Update(ctx, req.TemplateID, req.Name, req.Body)
}

func (s *TemplateService) Delete(ctx context.Context, req *TemplateIDRequest) (*Empty, error) {
	return &Empty{}, s.store.Delete(ctx, req.TemplateID)
}

func templateToWire(t templates.Template) Template {
	return Template{
		TemplateID: t.ID,
		OwnerID:    t.OwnerID,
		Name:       t.Name,
		Body:       t.Body,
		CreatedAt:  t.CreatedAt.UnixMilli(),
		UpdatedAt:  t.UpdatedAt.UnixMilli(),
	}
}
