package api

import (
	"net/http"

	"hookd/internal/master/scheduler"
	"hookd/internal/registry"
	"hookd/pkg/model"

	"github.com/labstack/echo/v4"
)

type NodeHandler struct {
	registry *registry.Registry
	selector *scheduler.Selector
}

func NewNodeHandler(reg *registry.Registry, sel *scheduler.Selector) *NodeHandler {
	return &NodeHandler{registry: reg, selector: sel}
}

type createNodeRequest struct {
	Address string `json:"address"`
}

type statusRequest struct {
	Status model.NodeStatus `json:"status"`
}

type scoreRequest struct {
	Delta int64 `json:"delta"`
}

type successRequest struct {
	ChunkCount int64 `json:"chunk_count"`
}

func (h *NodeHandler) List(c echo.Context) error {
	nodes, err := h.registry.List(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	if nodes == nil {
		nodes = []*model.Node{}
	}
	return ok(c, http.StatusOK, nodes)
}

func (h *NodeHandler) Create(c echo.Context) error {
	var req createNodeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Address == "" {
		return badRequest(c, "address is required")
	}
	node, err := h.registry.Insert(c.Request().Context(), req.Address)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusCreated, node)
}

func (h *NodeHandler) Get(c echo.Context) error {
	node, err := h.registry.Get(c.Request().Context(), c.Param("address"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, node)
}

func (h *NodeHandler) Delete(c echo.Context) error {
	if err := h.registry.Remove(c.Request().Context(), c.Param("address")); err != nil {
		return fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Next 只读：返回当前最优的 ready 节点，没有时 data 为 null
func (h *NodeHandler) Next(c echo.Context) error {
	node, err := h.selector.NextReady(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, node)
}

// Dispatch 选择并 claim 节点，调用方负责之后 release
func (h *NodeHandler) Dispatch(c echo.Context) error {
	node, err := h.selector.Dispatch(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, node)
}

func (h *NodeHandler) SetStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if !req.Status.Valid() {
		return badRequest(c, "unknown status "+string(req.Status))
	}
	node, err := h.registry.SetStatus(c.Request().Context(), c.Param("address"), req.Status)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, node)
}

func (h *NodeHandler) Release(c echo.Context) error {
	node, err := h.registry.Release(c.Request().Context(), c.Param("address"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, node)
}

func (h *NodeHandler) AdjustScore(c echo.Context) error {
	var req scoreRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	node, err := h.registry.AdjustScore(c.Request().Context(), c.Param("address"), req.Delta)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, node)
}

// ReportSuccess 不传 chunk_count 时按 1 计
func (h *NodeHandler) ReportSuccess(c echo.Context) error {
	req := successRequest{ChunkCount: 1}
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	node, err := h.registry.ReportSuccess(c.Request().Context(), c.Param("address"), req.ChunkCount)
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, node)
}

func (h *NodeHandler) ReportFailure(c echo.Context) error {
	node, err := h.registry.ReportFailure(c.Request().Context(), c.Param("address"))
	if err != nil {
		return fail(c, err)
	}
	return ok(c, http.StatusOK, node)
}
