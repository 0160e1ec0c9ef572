package models

import "time"

// TimeFormat 日志时间戳格式
const TimeFormat = "2006-01-02 15:04:05"

// CurrentTime 返回当前时间的格式化字符串
func CurrentTime() string {
	return time.Now().Format(TimeFormat)
}

// RequestLog 请求日志
type RequestLog struct {
	ID            string  `gorm:"primaryKey;size:36" json:"id"`
	Timestamp     string  `gorm:"size:50;index:idx_logs_timestamp;index:idx_logs_ip_time,priority:2;index:idx_logs_success,priority:2" json:"timestamp"`
	ClientIP      string  `gorm:"column:client_ip;size:45;index:idx_logs_ip_time,priority:1" json:"client_ip"`
	Method        string  `gorm:"size:10" json:"method"`
	Path          string  `gorm:"size:255" json:"path"`
	APIKeyPrefix  *string `gorm:"column:api_key_prefix;size:20" json:"api_key_prefix,omitempty"`
	Model         *string `gorm:"size:100" json:"model,omitempty"`
	OriginalModel *string `gorm:"column:original_model;size:100" json:"original_model,omitempty"`
	StatusCode    int     `gorm:"column:status_code" json:"status_code"`
	IsSuccess     bool    `gorm:"column:is_success;index:idx_logs_success,priority:1" json:"is_success"`
	IsStream      *bool   `gorm:"column:is_stream" json:"is_stream,omitempty"`
	InputTokens   int     `gorm:"column:input_tokens;default:0" json:"input_tokens"`
	OutputTokens  int     `gorm:"column:output_tokens;default:0" json:"output_tokens"`
	DurationMs    int64   `gorm:"column:duration_ms" json:"duration_ms"`
	ErrorMessage  *string `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	UserAgent     *string `gorm:"column:user_agent;size:500" json:"user_agent,omitempty"`
}

// TableName 指定表名
func (RequestLog) TableName() string {
	return "request_logs"
}

// RequestStats 请求统计
type RequestStats struct {
	TotalRequests     int64    `json:"total_requests"`
	SuccessRequests   int64    `json:"success_requests"`
	FailedRequests    int64    `json:"failed_requests"`
	SuccessRate       float64  `json:"success_rate"`
	TotalInputTokens  int64    `json:"total_input_tokens"`
	TotalOutputTokens int64    `json:"total_output_tokens"`
	AvgDurationMs     float64  `json:"avg_duration_ms"`
	TopIPs            []IPStat `json:"top_ips"`
}

// IPStat IP统计
type IPStat struct {
	IP           string `json:"ip"`
	RequestCount int64  `json:"request_count"`
}

// LogFilters 日志查询过滤器
type LogFilters struct {
	StartTime *string `json:"start_time"`
	EndTime   *string `json:"end_time"`
	ClientIP  *string `json:"client_ip"`
	Model     *string `json:"model"`
	IsSuccess *bool   `json:"is_success"`
}
