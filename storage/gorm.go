package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"confidential-choice/models"
)

// GormStore persists state in PostgreSQL through gorm.
type GormStore struct {
	db  *gorm.DB
	log *logrus.Logger
}

// OpenGormStore connects to dsn and migrates the schema.
func OpenGormStore(dsn string, log *logrus.Logger) (*GormStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres backend requires a dsn")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	store := NewGormStore(db, log)
	if err := store.Migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func NewGormStore(db *gorm.DB, log *logrus.Logger) *GormStore {
	if log == nil {
		log = logrus.New()
	}
	return &GormStore{db: db, log: log}
}

func (s *GormStore) Migrate() error {
	if err := s.db.AutoMigrate(&recordModel{}, &blockModel{}, &ciphertextModel{}, &grantModel{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *GormStore) LoadRecord(ctx context.Context, identity common.Address) (*models.ChoiceRecord, error) {
	var row recordModel
	err := s.db.WithContext(ctx).
		Where("identity = ?", identity.Hex()).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, s.logError("load_record_failed", err, "identity", identity.Hex())
	}
	return row.toRecord(), nil
}

func (s *GormStore) SaveRecord(ctx context.Context, rec *models.ChoiceRecord) error {
	row := recordModelFrom(rec)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "identity"}},
		DoUpdates: clause.Assignments(map[string]any{
			"has_submitted": row.HasSubmitted,
			"handle":        row.Handle,
			"version":       row.Version,
			"updated_at":    row.UpdatedAt,
		}),
	}).Create(&row).Error
	if err != nil {
		return s.logError("save_record_failed", err, "identity", row.Identity)
	}
	return nil
}

func (s *GormStore) ListRecords(ctx context.Context) ([]*models.ChoiceRecord, error) {
	var rows []recordModel
	if err := s.db.WithContext(ctx).Order("identity ASC").Find(&rows).Error; err != nil {
		return nil, s.logError("list_records_failed", err)
	}
	out := make([]*models.ChoiceRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) SaveBlock(ctx context.Context, chain string, block *models.Block) error {
	row := blockModel{
		Chain:      chain,
		Index:      block.Index,
		Timestamp:  block.Timestamp,
		Data:       block.Data,
		PrevHash:   block.PrevHash,
		Hash:       block.Hash,
		Nonce:      block.Nonce,
		Difficulty: block.Difficulty,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("block %d already exists in chain %s", block.Index, chain)
		}
		return s.logError("save_block_failed", err, "chain", chain, "index", block.Index)
	}
	return nil
}

func (s *GormStore) LoadChain(ctx context.Context, chain string) ([]*models.Block, error) {
	var rows []blockModel
	if err := s.db.WithContext(ctx).
		Where("chain = ?", chain).
		Order("block_index ASC").
		Find(&rows).Error; err != nil {
		return nil, s.logError("load_chain_failed", err, "chain", chain)
	}
	blocks := make([]*models.Block, 0, len(rows))
	for _, row := range rows {
		blocks = append(blocks, &models.Block{
			Index:      row.Index,
			Timestamp:  row.Timestamp,
			Data:       row.Data,
			PrevHash:   row.PrevHash,
			Hash:       row.Hash,
			Nonce:      row.Nonce,
			Difficulty: row.Difficulty,
		})
	}
	return blocks, nil
}

func (s *GormStore) PutCiphertext(ctx context.Context, handle models.Handle, ciphertext []byte) error {
	row := ciphertextModel{Handle: handle.Hex(), Ciphertext: ciphertext, CreatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return s.logError("put_ciphertext_failed", err, "handle", row.Handle)
	}
	return nil
}

func (s *GormStore) GetCiphertext(ctx context.Context, handle models.Handle) ([]byte, error) {
	var row ciphertextModel
	err := s.db.WithContext(ctx).Where("handle = ?", handle.Hex()).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, s.logError("get_ciphertext_failed", err, "handle", handle.Hex())
	}
	return row.Ciphertext, nil
}

func (s *GormStore) Grant(ctx context.Context, handle models.Handle, account common.Address) error {
	row := grantModel{Handle: handle.Hex(), Account: account.Hex(), CreatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil && !isUniqueViolation(err) {
		return s.logError("grant_failed", err, "handle", row.Handle, "account", row.Account)
	}
	return nil
}

func (s *GormStore) IsGranted(ctx context.Context, handle models.Handle, account common.Address) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&grantModel{}).
		Where("handle = ? AND account = ?", handle.Hex(), account.Hex()).
		Count(&count).Error
	if err != nil {
		return false, s.logError("is_granted_failed", err, "handle", handle.Hex())
	}
	return count > 0, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) logError(event string, err error, kv ...any) error {
	fields := logrus.Fields{"event": event}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	s.log.WithFields(fields).WithError(err).Error("postgres store error")
	return err
}

type recordModel struct {
	Identity     string `gorm:"column:identity;primaryKey"`
	HasSubmitted bool   `gorm:"column:has_submitted"`
	Handle       string `gorm:"column:handle"`
	Version      uint64 `gorm:"column:version"`
	UpdatedAt    int64  `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (recordModel) TableName() string {
	return "choice_records"
}

func recordModelFrom(rec *models.ChoiceRecord) recordModel {
	return recordModel{
		Identity:     rec.Identity.Hex(),
		HasSubmitted: rec.HasSubmitted,
		Handle:       rec.Handle.Hex(),
		Version:      rec.Version,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func (m recordModel) toRecord() *models.ChoiceRecord {
	handle, _ := models.HexToHandle(m.Handle)
	return &models.ChoiceRecord{
		Identity:     common.HexToAddress(m.Identity),
		HasSubmitted: m.HasSubmitted,
		Handle:       handle,
		Version:      m.Version,
		UpdatedAt:    m.UpdatedAt,
	}
}

type blockModel struct {
	ID         uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	Chain      string `gorm:"column:chain;uniqueIndex:idx_chain_block"`
	Index      uint64 `gorm:"column:block_index;uniqueIndex:idx_chain_block"`
	Timestamp  int64  `gorm:"column:timestamp"`
	Data       []byte `gorm:"column:data"`
	PrevHash   []byte `gorm:"column:prev_hash"`
	Hash       []byte `gorm:"column:hash"`
	Nonce      uint64 `gorm:"column:nonce"`
	Difficulty uint8  `gorm:"column:difficulty"`
}

func (blockModel) TableName() string {
	return "ledger_blocks"
}

type ciphertextModel struct {
	Handle     string    `gorm:"column:handle;primaryKey"`
	Ciphertext []byte    `gorm:"column:ciphertext"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (ciphertextModel) TableName() string {
	return "ciphertexts"
}

type grantModel struct {
	Handle    string    `gorm:"column:handle;primaryKey"`
	Account   string    `gorm:"column:account;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (grantModel) TableName() string {
	return "grants"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
