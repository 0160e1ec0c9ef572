package database

import (
	"context"
	"time"

	"claude-proxy/internal/logger"
	"claude-proxy/internal/models"

	"gorm.io/gorm"
)

// CreateRequestLog 创建请求日志
func (db *DB) CreateRequestLog(ctx context.Context, log *models.RequestLog) error {
	return db.gorm.WithContext(ctx).Create(log).Error
}

// BatchCreateRequestLogs 批量写入请求日志（使用事务，大幅提升写入性能）
func (db *DB) BatchCreateRequestLogs(ctx context.Context, logs []*models.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	return db.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, log := range logs {
			if err := tx.Create(log).Error; err != nil {
				logger.Debug("批量写入日志失败（单条）: %v", err)
				// 继续处理其他日志，不因单条失败而中断
			}
		}
		return nil
	})
}

// GetRequestLogs 查询请求日志
func (db *DB) GetRequestLogs(ctx context.Context, filters *models.LogFilters, limit, offset int) ([]*models.RequestLog, error) {
	query := db.gorm.WithContext(ctx).Model(&models.RequestLog{})

	query = applyLogFilters(query, filters)
	query = query.Order("timestamp DESC").Limit(limit).Offset(offset)

	var logs []*models.RequestLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}

	return logs, nil
}

// applyLogFilters 应用日志过滤条件到 GORM 查询
func applyLogFilters(query *gorm.DB, filters *models.LogFilters) *gorm.DB {
	if filters == nil {
		return query
	}

	if filters.StartTime != nil {
		query = query.Where("timestamp >= ?", *filters.StartTime)
	}
	if filters.EndTime != nil {
		query = query.Where("timestamp <= ?", *filters.EndTime)
	}
	if filters.ClientIP != nil {
		query = query.Where("client_ip = ?", *filters.ClientIP)
	}
	if filters.Model != nil {
		query = query.Where("model = ?", *filters.Model)
	}
	if filters.IsSuccess != nil {
		query = query.Where("is_success = ?", *filters.IsSuccess)
	}

	return query
}

// GetRequestLogsCount 获取请求日志总数
func (db *DB) GetRequestLogsCount(ctx context.Context, filters *models.LogFilters) (int64, error) {
	query := db.gorm.WithContext(ctx).Model(&models.RequestLog{})
	query = applyLogFilters(query, filters)

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// GetRequestStats 获取请求统计
func (db *DB) GetRequestStats(ctx context.Context, filters *models.LogFilters) (*models.RequestStats, error) {
	stats := &models.RequestStats{}

	// 基本统计
	type basicStats struct {
		TotalRequests     int64
		SuccessRequests   int64
		FailedRequests    int64
		TotalInputTokens  int64
		TotalOutputTokens int64
		AvgDurationMs     float64
	}
	var basic basicStats

	query := db.gorm.WithContext(ctx).Model(&models.RequestLog{}).
		Select(`COUNT(*) as total_requests,
			COALESCE(SUM(CASE WHEN is_success = true THEN 1 ELSE 0 END), 0) as success_requests,
			COALESCE(SUM(CASE WHEN is_success = false THEN 1 ELSE 0 END), 0) as failed_requests,
			COALESCE(SUM(input_tokens), 0) as total_input_tokens,
			COALESCE(SUM(output_tokens), 0) as total_output_tokens,
			COALESCE(AVG(duration_ms), 0) as avg_duration_ms`)
	query = applyLogFilters(query, filters)
	if err := query.Scan(&basic).Error; err != nil {
		return nil, err
	}

	stats.TotalRequests = basic.TotalRequests
	stats.SuccessRequests = basic.SuccessRequests
	stats.FailedRequests = basic.FailedRequests
	stats.TotalInputTokens = basic.TotalInputTokens
	stats.TotalOutputTokens = basic.TotalOutputTokens
	stats.AvgDurationMs = basic.AvgDurationMs

	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(stats.SuccessRequests) / float64(stats.TotalRequests) * 100
	}

	// Top IPs
	var topIPs []models.IPStat
	queryIPs := db.gorm.WithContext(ctx).Model(&models.RequestLog{}).
		Select("client_ip as ip, COUNT(*) as request_count")
	queryIPs = applyLogFilters(queryIPs, filters)
	queryIPs.Group("client_ip").
		Order("request_count DESC").
		Limit(10).
		Scan(&topIPs)
	stats.TopIPs = topIPs

	return stats, nil
}

// GetTotalRequestCount 获取总请求次数
func (db *DB) GetTotalRequestCount(ctx context.Context) (int64, error) {
	var count int64
	if err := db.gorm.WithContext(ctx).Model(&models.RequestLog{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteAllRequestLogs 删除所有请求日志
func (db *DB) DeleteAllRequestLogs(ctx context.Context) error {
	return db.gorm.WithContext(ctx).Where("1 = 1").Delete(&models.RequestLog{}).Error
}

// CleanupOldLogs 清理超过保留期的旧日志，返回删除条数
func (db *DB) CleanupOldLogs(ctx context.Context, daysToKeep int) (int64, error) {
	cutoffTime := time.Now().AddDate(0, 0, -daysToKeep).Format(models.TimeFormat)

	result := db.gorm.WithContext(ctx).Where("timestamp < ?", cutoffTime).Delete(&models.RequestLog{})
	if result.Error != nil {
		return 0, result.Error
	}

	return result.RowsAffected, nil
}
