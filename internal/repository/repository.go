package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"studenthub/auth-identity/internal/model"
)

var (
	ErrNotFound   = errors.New("not_found")
	ErrEmailTaken = errors.New("email_taken")
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

const userColumns = `id, email, password_hash, role, email_verified, verified_at, created_at, updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Role,
		&user.EmailVerified,
		&user.VerifiedAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	return user, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

// CreateUserWithProfile inserts the user row and its role-specific profile
// row in one transaction so registration cannot leave a profileless user.
func (s *Store) CreateUserWithProfile(ctx context.Context, user model.User, profile model.Profile) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO users (id, email, password_hash, role, email_verified, verified_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.ID, user.Email, user.PasswordHash, user.Role, user.EmailVerified, user.VerifiedAt, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEmailTaken
		}
		return err
	}

	switch profile.Role {
	case model.RoleAdmin:
		_, err = tx.Exec(ctx, `
			INSERT INTO admin_profiles (user_id, name, phone, school_name)
			VALUES ($1, $2, $3, $4)
		`, user.ID, profile.Admin.Name, profile.Admin.Phone, profile.Admin.SchoolName)
	case model.RoleTeacher:
		_, err = tx.Exec(ctx, `
			INSERT INTO teacher_profiles (user_id, name, phone, subject, experience)
			VALUES ($1, $2, $3, $4, $5)
		`, user.ID, profile.Teacher.Name, profile.Teacher.Phone, profile.Teacher.Subject, profile.Teacher.Experience)
	case model.RoleStudent:
		_, err = tx.Exec(ctx, `
			INSERT INTO student_profiles (user_id, name, roll_no, phone, class_id)
			VALUES ($1, $2, $3, $4, $5)
		`, user.ID, profile.Student.Name, profile.Student.RollNo, profile.Student.Phone, profile.Student.ClassID)
	default:
		err = errors.New("unknown profile role")
	}
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) GetProfile(ctx context.Context, user model.User) (model.Profile, error) {
	profile := model.Profile{Role: user.Role}
	switch user.Role {
	case model.RoleAdmin:
		admin := &model.AdminProfile{}
		row := s.pool.QueryRow(ctx, `SELECT name, phone, school_name FROM admin_profiles WHERE user_id = $1`, user.ID)
		if err := row.Scan(&admin.Name, &admin.Phone, &admin.SchoolName); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return profile, ErrNotFound
			}
			return profile, err
		}
		profile.Admin = admin
	case model.RoleTeacher:
		teacher := &model.TeacherProfile{}
		row := s.pool.QueryRow(ctx, `SELECT name, phone, subject, experience FROM teacher_profiles WHERE user_id = $1`, user.ID)
		if err := row.Scan(&teacher.Name, &teacher.Phone, &teacher.Subject, &teacher.Experience); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return profile, ErrNotFound
			}
			return profile, err
		}
		profile.Teacher = teacher
	case model.RoleStudent:
		student := &model.StudentProfile{}
		row := s.pool.QueryRow(ctx, `SELECT name, roll_no, phone, class_id FROM student_profiles WHERE user_id = $1`, user.ID)
		if err := row.Scan(&student.Name, &student.RollNo, &student.Phone, &student.ClassID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return profile, ErrNotFound
			}
			return profile, err
		}
		profile.Student = student
	default:
		return profile, ErrNotFound
	}
	return profile, nil
}

func (s *Store) UpdatePasswordHash(ctx context.Context, userID, newHash string, updatedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1
	`, userID, newHash, updatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEmailVerified flips the flag exactly once. Returns false when the
// user was already verified (or does not exist).
func (s *Store) MarkEmailVerified(ctx context.Context, userID string, verifiedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET email_verified = TRUE, verified_at = $2, updated_at = $2
		WHERE id = $1 AND email_verified = FALSE
	`, userID, verifiedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
