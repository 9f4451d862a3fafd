package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"navidai/pkg/domain"
)

const migrateLockID int64 = 51842207

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(
		&UserModel{},
		&SignupAttemptModel{},
		&OnboardingProgressModel{},
		&ConversationModel{},
		&MessageModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	// Cascades back up the explicit multi-deletes for rows written by
	// other tools.
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public' AND constraint_name = 'onboarding_progress_models_user_id_fkey'
			) THEN
				ALTER TABLE onboarding_progress_models
				ADD CONSTRAINT onboarding_progress_models_user_id_fkey
				FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public' AND constraint_name = 'conversation_models_user_id_fkey'
			) THEN
				ALTER TABLE conversation_models
				ADD CONSTRAINT conversation_models_user_id_fkey
				FOREIGN KEY (user_id) REFERENCES user_models(id) ON DELETE CASCADE;
			END IF;
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public' AND constraint_name = 'message_models_conversation_id_fkey'
			) THEN
				ALTER TABLE message_models
				ADD CONSTRAINT message_models_conversation_id_fkey
				FOREIGN KEY (conversation_id) REFERENCES conversation_models(id) ON DELETE CASCADE;
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure foreign keys: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveUser registers or updates a user.
func (s *GormStore) SaveUser(ctx context.Context, u domain.User) error {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"password_hash", "full_name", "birth_date", "onboarding_complete", "updated_at"}),
	}).Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

// HasUserEmail checks if email exists.
func (s *GormStore) HasUserEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&UserModel{}).Where("email = ?", email).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// DeleteUser removes a user and everything it owns.
func (s *GormStore) DeleteUser(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owned := tx.Model(&ConversationModel{}).Select("id").Where("user_id = ?", id)
		if err := tx.Where("conversation_id IN (?)", owned).Delete(&MessageModel{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Delete(&ConversationModel{}, "user_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete conversations: %w", err)
		}
		if err := tx.Delete(&OnboardingProgressModel{}, "user_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete onboarding progress: %w", err)
		}
		res := tx.Delete(&UserModel{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete user: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ReplaceSignupAttempt inserts a, replacing any attempt for the same email.
// The upsert keys on email so the old token stops resolving in the same
// statement that issues the new one.
func (s *GormStore) ReplaceSignupAttempt(ctx context.Context, a domain.SignupAttempt) error {
	model := signupAttemptToModel(a)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.AssignmentColumns([]string{"token", "password_hash", "code_hash", "expires_at", "code_sent_at", "created_at"}),
	}).Create(&model).Error
}

// GetSignupAttempt looks up a pending signup by token.
func (s *GormStore) GetSignupAttempt(ctx context.Context, token string) (domain.SignupAttempt, bool, error) {
	var model SignupAttemptModel
	if err := s.db.WithContext(ctx).First(&model, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.SignupAttempt{}, false, nil
		}
		return domain.SignupAttempt{}, false, err
	}
	return signupAttemptFromModel(model), true, nil
}

// UpdateSignupAttempt rewrites the code and expiry of an existing attempt.
func (s *GormStore) UpdateSignupAttempt(ctx context.Context, a domain.SignupAttempt) error {
	res := s.db.WithContext(ctx).Model(&SignupAttemptModel{}).Where("token = ?", a.Token).UpdateColumns(map[string]any{
		"code_hash":    a.CodeHash,
		"expires_at":   a.ExpiresAt.UTC(),
		"code_sent_at": a.CodeSentAt.UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSignupAttempt removes an attempt; missing tokens are not an error.
func (s *GormStore) DeleteSignupAttempt(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Delete(&SignupAttemptModel{}, "token = ?", token).Error
}

// CompleteSignup turns a pending attempt into a user.
func (s *GormStore) CompleteSignup(ctx context.Context, token string, u domain.User) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var attempt SignupAttemptModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&attempt, "token = ?", token).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("lock signup attempt: %w", err)
		}
		model := userToModel(u)
		if err := tx.Create(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrConflict
			}
			return fmt.Errorf("create user: %w", err)
		}
		if err := tx.Delete(&SignupAttemptModel{}, "token = ?", token).Error; err != nil {
			return fmt.Errorf("delete signup attempt: %w", err)
		}
		return nil
	})
}

// GetOnboardingProgress returns the user's progress row, if any.
func (s *GormStore) GetOnboardingProgress(ctx context.Context, userID string) (domain.OnboardingProgress, bool, error) {
	var model OnboardingProgressModel
	if err := s.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.OnboardingProgress{}, false, nil
		}
		return domain.OnboardingProgress{}, false, err
	}
	return onboardingFromModel(model), true, nil
}

// SaveOnboardingProgress upserts the user's progress row.
func (s *GormStore) SaveOnboardingProgress(ctx context.Context, p domain.OnboardingProgress) error {
	return upsertOnboarding(s.db.WithContext(ctx), p)
}

// CompleteOnboarding saves progress and flags the user as onboarded.
func (s *GormStore) CompleteOnboarding(ctx context.Context, p domain.OnboardingProgress) (domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertOnboarding(tx, p); err != nil {
			return err
		}
		res := tx.Model(&UserModel{}).Where("id = ?", p.UserID).UpdateColumns(map[string]any{
			"onboarding_complete": true,
			"updated_at":          p.UpdatedAt.UTC(),
		})
		if res.Error != nil {
			return fmt.Errorf("flag onboarding complete: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		var model UserModel
		if err := tx.First(&model, "id = ?", p.UserID).Error; err != nil {
			return fmt.Errorf("reload user: %w", err)
		}
		user = userFromModel(model)
		return nil
	})
	return user, err
}

func upsertOnboarding(db *gorm.DB, p domain.OnboardingProgress) error {
	model, err := onboardingToModel(p)
	if err != nil {
		return err
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"intent", "goals", "updated_at"}),
	}).Create(&model).Error
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(ctx context.Context, c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(ctx context.Context, id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByUser returns one page of a user's conversations,
// most recently updated first, plus the total count.
func (s *GormStore) ListConversationsByUser(ctx context.Context, userID string, offset, limit int) ([]domain.Conversation, int64, error) {
	db := s.db.WithContext(ctx)
	var total int64
	if err := db.Model(&ConversationModel{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var models []ConversationModel
	if err := db.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, 0, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, total, nil
}

// UpdateConversation writes title and updated_at as given.
func (s *GormStore) UpdateConversation(ctx context.Context, c domain.Conversation) error {
	res := s.db.WithContext(ctx).Model(&ConversationModel{}).Where("id = ?", c.ID).UpdateColumns(map[string]any{
		"title":      c.Title,
		"updated_at": c.UpdatedAt.UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetConversationTitle updates the title column alone so a concurrent
// message append keeps its updated_at bump.
func (s *GormStore) SetConversationTitle(ctx context.Context, id, title string) error {
	res := s.db.WithContext(ctx).Model(&ConversationModel{}).Where("id = ?", id).UpdateColumn("title", title)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *GormStore) DeleteConversation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MessageModel{}, "conversation_id = ?", id).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		res := tx.Delete(&ConversationModel{}, "id = ?", id)
		if res.Error != nil {
			return fmt.Errorf("delete conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AppendMessage inserts msg under a row lock on its conversation.
func (s *GormStore) AppendMessage(ctx context.Context, msg domain.Message) (AppendResult, error) {
	var result AppendResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv ConversationModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&conv, "id = ?", msg.ConversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("lock conversation: %w", err)
		}
		msg.Seq = conv.MessageCount + 1
		model := messageToModel(msg)
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		titleDue := titleDue(msg.Role, msg.Seq, conv.TitleRequested)
		updates := map[string]any{
			"message_count": msg.Seq,
			"updated_at":    msg.CreatedAt.UTC(),
		}
		if titleDue {
			updates["title_requested"] = true
		}
		if err := tx.Model(&ConversationModel{}).Where("id = ?", conv.ID).UpdateColumns(updates).Error; err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		result = AppendResult{Message: msg, Count: msg.Seq, TitleDue: titleDue}
		return nil
	})
	return result, err
}

// ListMessages returns a window of messages in ascending sequence order.
func (s *GormStore) ListMessages(ctx context.Context, conversationID string, q MessageQuery) ([]domain.Message, error) {
	query := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID)
	backward := q.BeforeSeq > 0
	if backward {
		query = query.Where("seq < ?", q.BeforeSeq).Order("seq DESC")
	} else {
		query = query.Where("seq > ?", q.AfterSeq).Order("seq ASC")
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	var models []MessageModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, model := range models {
		msgs = append(msgs, messageFromModel(model))
	}
	if backward {
		reverseMessages(msgs)
	}
	return msgs, nil
}

// FirstMessageByRole returns the earliest message with the given role.
func (s *GormStore) FirstMessageByRole(ctx context.Context, conversationID string, role domain.Role) (domain.Message, bool, error) {
	var model MessageModel
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND role = ?", conversationID, string(role)).
		Order("seq ASC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// titleDue is the title trigger shared by both stores: the first assistant
// message of a conversation that already holds the opening user message.
func titleDue(role domain.Role, count int64, alreadyRequested bool) bool {
	return role == domain.RoleAssistant && count >= 2 && !alreadyRequested
}

func reverseMessages(msgs []domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:                 u.ID,
		Email:              u.Email,
		PasswordHash:       u.PasswordHash,
		FullName:           u.FullName,
		BirthDate:          u.BirthDate,
		OnboardingComplete: u.OnboardingComplete,
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:                 m.ID,
		Email:              m.Email,
		PasswordHash:       m.PasswordHash,
		FullName:           m.FullName,
		BirthDate:          m.BirthDate,
		OnboardingComplete: m.OnboardingComplete,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func signupAttemptToModel(a domain.SignupAttempt) SignupAttemptModel {
	return SignupAttemptModel{
		Token:        a.Token,
		Email:        a.Email,
		PasswordHash: a.PasswordHash,
		CodeHash:     a.CodeHash,
		ExpiresAt:    a.ExpiresAt.UTC(),
		CodeSentAt:   a.CodeSentAt.UTC(),
		CreatedAt:    a.CreatedAt.UTC(),
	}
}

func signupAttemptFromModel(m SignupAttemptModel) domain.SignupAttempt {
	return domain.SignupAttempt{
		Token:        m.Token,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CodeHash:     m.CodeHash,
		ExpiresAt:    m.ExpiresAt,
		CodeSentAt:   m.CodeSentAt,
		CreatedAt:    m.CreatedAt,
	}
}

func onboardingToModel(p domain.OnboardingProgress) (OnboardingProgressModel, error) {
	goals := p.Goals
	if goals == nil {
		goals = []string{}
	}
	raw, err := json.Marshal(goals)
	if err != nil {
		return OnboardingProgressModel{}, fmt.Errorf("encode goals: %w", err)
	}
	return OnboardingProgressModel{
		UserID:    p.UserID,
		Intent:    p.Intent,
		Goals:     datatypes.JSON(raw),
		UpdatedAt: p.UpdatedAt.UTC(),
	}, nil
}

func onboardingFromModel(m OnboardingProgressModel) domain.OnboardingProgress {
	goals := []string{}
	if len(m.Goals) > 0 {
		_ = json.Unmarshal(m.Goals, &goals)
	}
	return domain.OnboardingProgress{
		UserID:    m.UserID,
		Intent:    m.Intent,
		Goals:     goals,
		UpdatedAt: m.UpdatedAt,
	}
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:             c.ID,
		UserID:         c.UserID,
		Title:          c.Title,
		TitleRequested: c.TitleRequested,
		MessageCount:   c.MessageCount,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:             m.ID,
		UserID:         m.UserID,
		Title:          m.Title,
		TitleRequested: m.TitleRequested,
		MessageCount:   m.MessageCount,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		Role:           string(msg.Role),
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Seq:            m.Seq,
		Role:           domain.Role(m.Role),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
	}
}
