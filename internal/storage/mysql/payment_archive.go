package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// PaymentRow 表示一笔已结算支付的归档结构。
type PaymentRow struct {
	PaymentID uint64 `json:"payment_id"`
	AgentID   uint64 `json:"agent_id"`
	Payer     string `json:"payer"`
	Amount    uint64 `json:"amount"`
	Fee       uint64 `json:"fee"`
	Royalty   uint64 `json:"royalty"`
	Timestamp int64  `json:"timestamp"`
}

// PaymentArchive 抽象支付归档的持久化接口。归档在账本提交之后写入，
// 失败不影响账本状态。
type PaymentArchive interface {
	Save(ctx context.Context, row PaymentRow) error
	ListLatest(ctx context.Context, limit int) ([]PaymentRow, error)
}

// MemoryPaymentArchive 使用本地 JSON 行文件模拟 MySQL 的效果，方便迭代开发。
type MemoryPaymentArchive struct {
	mu       sync.RWMutex
	dataFile string
	rows     []PaymentRow
}

// NewMemoryPaymentArchive 创建一个内存支付归档。
func NewMemoryPaymentArchive(dataDir string) (*MemoryPaymentArchive, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	archive := &MemoryPaymentArchive{dataFile: filepath.Join(dataDir, "payments.log")}
	if err := archive.loadFromDisk(); err != nil {
		return nil, err
	}
	return archive, nil
}

// Save 以追加写的方式归档支付记录。
func (m *MemoryPaymentArchive) Save(_ context.Context, row PaymentRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open payment archive: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode payment row: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("append payment row: %w", err)
	}

	m.rows = append([]PaymentRow{row}, m.rows...)
	if len(m.rows) > 512 {
		m.rows = m.rows[:512]
	}
	return nil
}

// ListLatest 返回最近的支付归档，按时间倒序排列。
func (m *MemoryPaymentArchive) ListLatest(_ context.Context, limit int) ([]PaymentRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.rows) {
		limit = len(m.rows)
	}
	results := make([]PaymentRow, limit)
	copy(results, m.rows[:limit])
	return results, nil
}

func (m *MemoryPaymentArchive) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("read payment archive: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []PaymentRow
	for scanner.Scan() {
		var row PaymentRow
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			continue
		}
		restored = append([]PaymentRow{row}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("parse payment archive: %w", err)
	}

	if len(restored) > 512 {
		restored = restored[:512]
	}
	if len(restored) > 0 {
		m.rows = restored
	}
	return nil
}

// SQLPaymentArchive 使用真实的 MySQL 数据库归档支付信息。
type SQLPaymentArchive struct {
	db *sql.DB
}

// NewSQLPaymentArchive 创建连接池并初始化数据表。
func NewSQLPaymentArchive(dsn string) (*SQLPaymentArchive, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("mysql dsn cannot be empty")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}

	archive := &SQLPaymentArchive{db: db}
	if err := archive.initSchema(); err != nil {
		return nil, err
	}
	return archive, nil
}

func (s *SQLPaymentArchive) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS payments (
        payment_id BIGINT UNSIGNED PRIMARY KEY,
        agent_id BIGINT UNSIGNED NOT NULL,
        payer VARCHAR(66) NOT NULL,
        amount BIGINT UNSIGNED NOT NULL,
        fee BIGINT UNSIGNED NOT NULL,
        royalty BIGINT UNSIGNED NOT NULL,
        created_at BIGINT NOT NULL,
        INDEX idx_agent_id (agent_id),
        INDEX idx_created_at (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init payments table: %w", err)
	}
	return nil
}

// Save 将支付记录写入 MySQL。
func (s *SQLPaymentArchive) Save(ctx context.Context, row PaymentRow) error {
	const stmt = `INSERT INTO payments
        (payment_id, agent_id, payer, amount, fee, royalty, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		row.PaymentID,
		row.AgentID,
		row.Payer,
		row.Amount,
		row.Fee,
		row.Royalty,
		row.Timestamp,
	); err != nil {
		return fmt.Errorf("insert payment row: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条支付归档。
func (s *SQLPaymentArchive) ListLatest(ctx context.Context, limit int) ([]PaymentRow, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payment_id, agent_id, payer, amount, fee, royalty, created_at
        FROM payments ORDER BY payment_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query payment rows: %w", err)
	}
	defer rows.Close()

	var results []PaymentRow
	for rows.Next() {
		var row PaymentRow
		if err := rows.Scan(&row.PaymentID, &row.AgentID, &row.Payer, &row.Amount, &row.Fee, &row.Royalty, &row.Timestamp); err != nil {
			return nil, fmt.Errorf("scan payment row: %w", err)
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment rows: %w", err)
	}
	return results, nil
}

// Close 关闭底层数据库连接。
func (s *SQLPaymentArchive) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensure interface compliance at compile time
var (
	_ PaymentArchive = (*MemoryPaymentArchive)(nil)
	_ PaymentArchive = (*SQLPaymentArchive)(nil)
)
