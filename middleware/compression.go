package middleware

import (
	"bytes"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

const (
	CompressionName = "compression"

	AlgorithmBrotli  = "br"
	AlgorithmGzip    = "gzip"
	AlgorithmDeflate = "deflate"

	DefaultLevel        = 6
	DefaultThreshold    = 1024
	MinCompressionRatio = 0.05
)

var acceptEncodingVary = []byte("Accept-Encoding")

// CompressionMiddleware encodes large textual responses with the first
// configured algorithm the client accepts. Brotli writers are pooled; gzip
// and deflate use the fasthttp encoders.
type CompressionMiddleware struct {
	logger     types.Logger
	config     *CompressionConfig
	weight     int
	brotliPool sync.Pool
	brotliBufs sync.Pool
}

type CompressionConfig struct {
	Algorithms   []string `json:"algorithms"`
	Level        int      `json:"level"`
	Threshold    int      `json:"threshold"`
	AllowedTypes []string `json:"allowed_types"`
}

func defaultCompressionConfig() *CompressionConfig {
	return &CompressionConfig{
		Algorithms:   []string{AlgorithmBrotli, AlgorithmGzip, AlgorithmDeflate},
		Level:        DefaultLevel,
		Threshold:    DefaultThreshold,
		AllowedTypes: []string{"application/json", "text/*"},
	}
}

func validateCompressionConfig(config *CompressionConfig) error {
	if config.Level < 1 || config.Level > 9 {
		return types.Errorf(types.ErrInvalidParameter, "compression level %d outside 1..9", config.Level)
	}

	if config.Threshold < 0 {
		return types.Errorf(types.ErrInvalidParameter, "compression threshold %d", config.Threshold)
	}

	if len(config.Algorithms) == 0 {
		return types.Errorf(types.ErrInvalidParameter, "no compression algorithms")
	}

	for _, algorithm := range config.Algorithms {
		switch algorithm {
		case AlgorithmBrotli, AlgorithmGzip, AlgorithmDeflate:
		default:
			return types.Errorf(types.ErrInvalidParameter, "unsupported algorithm: %s", algorithm)
		}
	}

	return nil
}

func NewCompressionMiddleware(item *types.MiddlewareItemConfig, logger types.Logger) *CompressionMiddleware {
	config := defaultCompressionConfig()
	weight := 60

	if item != nil {
		weight = item.Weight
		if item.Params != nil {
			if err := utils.UnmarshalConfig(item.Params, config); err != nil {
				logger.Error("Failed to unmarshal compression middleware config", zap.Error(err))
			}
		}
	}

	if err := validateCompressionConfig(config); err != nil {
		logger.Warn("Invalid compression config, using defaults", zap.Error(err))
		config = defaultCompressionConfig()
	}

	level := config.Level

	return &CompressionMiddleware{
		logger: logger,
		config: config,
		weight: weight,
		brotliPool: sync.Pool{
			New: func() interface{} { return brotli.NewWriterLevel(nil, level) },
		},
		brotliBufs: sync.Pool{
			New: func() interface{} { return bytes.NewBuffer(make([]byte, 0, 4096)) },
		},
	}
}

func (c *CompressionMiddleware) Name() string { return CompressionName }
func (c *CompressionMiddleware) Weight() int  { return c.weight }

func (c *CompressionMiddleware) Handle(ctx *fasthttp.RequestCtx, next func(*fasthttp.RequestCtx), _ *types.RouteConfig) {
	next(ctx)

	algorithm := c.negotiate(ctx.Request.Header.Peek(fasthttp.HeaderAcceptEncoding))
	if algorithm == "" {
		return
	}

	c.addVary(ctx)

	if len(ctx.Response.Header.Peek(fasthttp.HeaderContentEncoding)) > 0 {
		return
	}

	body := ctx.Response.Body()
	if len(body) < c.config.Threshold || !c.compressible(ctx.Response.Header.ContentType()) {
		return
	}

	compressed, err := c.compress(algorithm, body)
	if err != nil {
		c.logger.Warn("Compression failed", zap.String("algorithm", algorithm), zap.Error(err))
		return
	}

	if 1.0-float64(len(compressed))/float64(len(body)) < MinCompressionRatio {
		return
	}

	ctx.Response.Header.SetContentEncoding(algorithm)
	ctx.Response.SetBody(compressed)
}

// negotiate returns the first configured algorithm present in Accept-Encoding
// without q=0.
func (c *CompressionMiddleware) negotiate(acceptEncoding []byte) string {
	if len(acceptEncoding) == 0 {
		return ""
	}

	accepted := make(map[string]bool, 4)
	for _, part := range strings.Split(string(acceptEncoding), ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.ReplaceAll(strings.TrimSpace(params), " ", "") == "q=0" {
			continue
		}
		accepted[strings.ToLower(strings.TrimSpace(name))] = true
	}

	for _, algorithm := range c.config.Algorithms {
		if accepted[algorithm] {
			return algorithm
		}
	}

	if accepted["*"] {
		return c.config.Algorithms[0]
	}

	return ""
}

func (c *CompressionMiddleware) compressible(contentType []byte) bool {
	if len(contentType) == 0 {
		return false
	}

	value, _, _ := strings.Cut(string(contentType), ";")
	value = strings.ToLower(strings.TrimSpace(value))

	for _, allowed := range c.config.AllowedTypes {
		if allowed == value {
			return true
		}
		if prefix, ok := strings.CutSuffix(allowed, "*"); ok && strings.HasPrefix(value, prefix) {
			return true
		}
	}

	return false
}

func (c *CompressionMiddleware) compress(algorithm string, data []byte) ([]byte, error) {
	switch algorithm {
	case AlgorithmGzip:
		return fasthttp.AppendGzipBytesLevel(nil, data, c.config.Level), nil
	case AlgorithmDeflate:
		return fasthttp.AppendDeflateBytesLevel(nil, data, c.config.Level), nil
	}

	buf := c.brotliBufs.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.brotliBufs.Put(buf)

	w := c.brotliPool.Get().(*brotli.Writer)
	w.Reset(buf)
	defer func() {
		w.Reset(nil)
		c.brotliPool.Put(w)
	}()

	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return append([]byte(nil), buf.Bytes()...), nil
}

func (c *CompressionMiddleware) addVary(ctx *fasthttp.RequestCtx) {
	existing := ctx.Response.Header.Peek(fasthttp.HeaderVary)
	if len(existing) == 0 {
		ctx.Response.Header.SetBytesV(fasthttp.HeaderVary, acceptEncodingVary)
		return
	}

	if bytes.Contains(existing, acceptEncodingVary) {
		return
	}

	ctx.Response.Header.Set(fasthttp.HeaderVary, string(existing)+", "+string(acceptEncodingVary))
}
