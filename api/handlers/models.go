package handlers

import (
	"net/http"

	"github.com/BaSui01/llmlb/catalog"
	"github.com/BaSui01/llmlb/internal/httpapi"
	"github.com/BaSui01/llmlb/registry"
	"github.com/BaSui01/llmlb/types"
)

// Models serves the aggregate OpenAI-shaped model listing over all online
// endpoints.
type Models struct {
	reg *registry.Registry
	cat *catalog.Catalog
}

// NewModels builds the model listing handler group.
func NewModels(reg *registry.Registry, cat *catalog.Catalog) *Models {
	return &Models{reg: reg, cat: cat}
}

type modelList struct {
	Object string                 `json:"object"`
	Data   []catalog.ModelSummary `json:"data"`
}

func (m *Models) onlineIDs() []string {
	online := m.reg.Online()
	ids := make([]string, len(online))
	for i := range online {
		ids[i] = online[i].ID
	}
	return ids
}

// List handles GET /v1/models.
func (m *Models) List(w http.ResponseWriter, r *http.Request) {
	data := m.cat.Aggregate(m.onlineIDs())
	if data == nil {
		data = []catalog.ModelSummary{}
	}
	httpapi.WriteJSON(w, http.StatusOK, modelList{Object: "list", Data: data})
}

// Get handles GET /v1/models/{id}.
func (m *Models) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	for _, sum := range m.cat.Aggregate(m.onlineIDs()) {
		if sum.ID == id {
			httpapi.WriteJSON(w, http.StatusOK, sum)
			return
		}
	}
	httpapi.WriteError(w, types.NewError(types.ErrModelNotFound, "model not found: "+id))
}
