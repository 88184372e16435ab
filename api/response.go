package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/liuzsen/niu-code/chat"
)

// okResponse is the uniform success envelope: {"code": 0, "data": ...}.
type okResponse struct {
	Code int `json:"code"`
	Data any `json:"data"`
}

// errResponse is the uniform failure envelope. Business failures carry
// their closed-set code; everything else is SYSTEM_ERROR.
type errResponse struct {
	Code string `json:"code"`
	Tip  string `json:"tip,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, okResponse{Code: 0, Data: data})
}

func respondBizError(c *gin.Context, err *chat.BizError) {
	c.JSON(http.StatusInternalServerError, errResponse{Code: err.Code, Tip: err.Tip})
}

func respondSystemError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, errResponse{Code: "SYSTEM_ERROR", Tip: err.Error()})
}

func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errResponse{Code: "BAD_REQUEST", Tip: msg})
}
