package runtime

import (
	"github.com/born-ml/kfuse/internal/backend"
	"github.com/born-ml/kfuse/internal/backend/webgpu"
)

func init() {
	RegisterDriver(WebGPUDriver, func(cfg Config) (backend.Backend, error) {
		return webgpu.New(cfg.GroupSize)
	})
}
