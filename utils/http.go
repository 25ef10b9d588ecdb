package utils

import (
	"strconv"

	"github.com/valyala/fasthttp"
)

const (
	CacheControlNoStore = "no-cache, no-store, must-revalidate"
	HeaderRequestID     = "X-Request-ID"
)

type ErrorBody struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status int    `json:"status"`
}

func SetNoCache(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Cache-Control", CacheControlNoStore)
	ctx.Response.Header.Set("Pragma", "no-cache")
	ctx.Response.Header.Set("Expires", "0")
}

// SetMaxAge marks the response cacheable by shared caches for the given seconds.
func SetMaxAge(ctx *fasthttp.RequestCtx, seconds int) {
	if seconds <= 0 {
		SetNoCache(ctx)
		return
	}
	ctx.Response.Header.Set("Cache-Control", "public, max-age="+strconv.Itoa(seconds))
}

func WriteJSON(ctx *fasthttp.RequestCtx, status int, body interface{}) {
	data, err := Marshal(body)
	if err != nil {
		CreateErrorResponse(ctx)
		return
	}

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(data)
}

func WriteError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	if requestID := ctx.Request.Header.Peek(HeaderRequestID); len(requestID) > 0 {
		ctx.Response.Header.SetBytesV(HeaderRequestID, requestID)
	}
	SetNoCache(ctx)
	WriteJSON(ctx, status, ErrorBody{Error: message, Code: code, Status: status})
}

func CreateErrorResponse(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusInternalServerError)
	ctx.SetContentType("application/json")

	SetNoCache(ctx)

	if requestID := ctx.Request.Header.Peek(HeaderRequestID); len(requestID) > 0 {
		ctx.Response.Header.SetBytesV(HeaderRequestID, requestID)
	}

	ctx.SetBodyString(`{"error":"Internal Server Error","code":"INTERNAL","status":500}`)
}
