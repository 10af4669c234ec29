// Package toolshttp 以 HTTP 形式暴露工具注册表。
package toolshttp

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"riskguard/internal/riskerr"
	"riskguard/internal/tools"
)

const maxBodyBytes = 1 << 20

// Caller 由 tools.Registry 实现。
type Caller interface {
	Call(ctx context.Context, name string, raw []byte) tools.Response
	Describe() []tools.Info
}

type Router struct {
	tools Caller
}

func NewRouter(caller Caller) *Router {
	return &Router{tools: caller}
}

// Register 将工具路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("", r.handleList)
	group.POST("/:name", r.handleCall)
}

func (r *Router) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": r.tools.Describe()})
}

func (r *Router) handleCall(c *gin.Context) {
	name := strings.TrimSpace(c.Param("name"))
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, tools.Response{
			Tool:  name,
			Error: &tools.ErrorBody{Kind: riskerr.KindValidation, Message: "request body too large"},
		})
		return
	}
	resp := r.tools.Call(c.Request.Context(), name, body)
	c.JSON(statusFor(resp), resp)
}

// statusFor 把错误分类映射为 HTTP 状态码。consistency 表示交易所侧已生效，仍返回 200，由 body 说明。
func statusFor(resp tools.Response) int {
	if resp.Success || resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Kind {
	case riskerr.KindValidation:
		return http.StatusBadRequest
	case riskerr.KindInsufficientSize, riskerr.KindSlippage:
		return http.StatusUnprocessableEntity
	case riskerr.KindConcurrency:
		return http.StatusConflict
	case riskerr.KindVenue:
		return http.StatusBadGateway
	case riskerr.KindConsistency:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
