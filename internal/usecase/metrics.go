package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"proxyd/internal/domain"
)

// MetricsUseCase はメトリクス関連のユースケースを実装
type MetricsUseCase struct {
	metrics      domain.MetricsCollector
	logger       domain.Logger
	clock        quartz.Clock
	saveInterval time.Duration
}

// MetricsConfig はメトリクスの設定を表す
type MetricsConfig struct {
	SaveInterval time.Duration
	Clock        quartz.Clock
}

// NewMetricsUseCase は新しいMetricsUseCaseインスタンスを作成
func NewMetricsUseCase(
	metrics domain.MetricsCollector, logger domain.Logger, config MetricsConfig,
) *MetricsUseCase {
	if config.SaveInterval == 0 {
		config.SaveInterval = 1 * time.Minute
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}

	return &MetricsUseCase{
		metrics:      metrics,
		logger:       logger,
		clock:        config.Clock,
		saveInterval: config.SaveInterval,
	}
}

// Run はctxがキャンセルされるまで定期的にメトリクスを保存する.
// 終了時にも一度保存する.
func (uc *MetricsUseCase) Run(ctx context.Context) error {
	uc.logger.Info("Starting metrics collection", map[string]interface{}{
		"save_interval": uc.saveInterval.String(),
	})

	ticker := uc.clock.NewTicker(uc.saveInterval, "metrics", "save")
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := uc.saveMetrics(); err != nil {
				uc.logger.Error("Failed to save metrics", err, nil)
			}
		case <-ctx.Done():
			uc.logger.Info("Stopping periodic metrics save", nil)
			if err := uc.saveMetrics(); err != nil {
				uc.logger.Error("Failed to save metrics", err, nil)
			}
			return nil
		}
	}
}

// saveMetrics は現在のメトリクスを保存
func (uc *MetricsUseCase) saveMetrics() error {
	snapshot := uc.GetMetricsSnapshot()

	// メトリクスの保存処理をリポジトリに委譲
	if saver, ok := uc.metrics.(interface {
		SaveMetrics(*domain.MetricsSnapshot) error
	}); ok {
		if err := saver.SaveMetrics(snapshot); err != nil {
			return fmt.Errorf("failed to save metrics snapshot: %w", err)
		}
	}

	return nil
}

// GetMetricsSnapshot は現在のメトリクスのスナップショットを取得
func (uc *MetricsUseCase) GetMetricsSnapshot() *domain.MetricsSnapshot {
	return uc.metrics.GetSnapshot()
}
