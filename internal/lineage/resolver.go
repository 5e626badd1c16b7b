package lineage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"brainlytree-engine/internal/models"
	"brainlytree-engine/internal/repository"

	"go.uber.org/zap"
)

// Resolver 设备归属链解析器
// 设备分配由外部供给流程管理，这里只消费已解析的归属关系；
// 任一环节缺失返回 models.ErrLineageUnresolved，上层对未映射
// 设备不下发任何命令
type Resolver struct {
	deviceRepo *repository.DeviceRepository
	logger     *zap.Logger
}

// NewResolver 创建归属链解析器
func NewResolver(deviceRepo *repository.DeviceRepository, logger *zap.Logger) *Resolver {
	return &Resolver{
		deviceRepo: deviceRepo,
		logger:     logger,
	}
}

// Resolve 根据硬件地址解析设备归属链
func (r *Resolver) Resolve(ctx context.Context, mac string) (*models.Lineage, error) {
	l, err := r.deviceRepo.ResolveLineage(ctx, mac)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Warn("Device lineage unresolved",
				zap.String("mac", mac),
			)
			return nil, models.ErrLineageUnresolved
		}
		return nil, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
	}

	return l, nil
}
