package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gopkg.in/yaml.v3"

	"usergate/internal/auth"
	"usergate/internal/db"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const selectUser = `SELECT id, email, password_hash, role, created_at, updated_at FROM users`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	u := &auth.User{}
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, selectUser+` WHERE email = $1`, auth.NormalizeEmail(email))
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, auth.ErrUserNotFound) {
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return u, err
}

func (s *Store) GetByID(ctx context.Context, id string) (*auth.User, error) {
	row := s.db.QueryRowContext(ctx, selectUser+` WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, auth.ErrUserNotFound) {
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, err
}

func (s *Store) Create(ctx context.Context, u *auth.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = auth.RoleUser
	}
	u.Email = auth.NormalizeEmail(u.Email)
	now := time.Now().UTC()
	const q = `
		INSERT INTO users (id, email, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, q, u.ID, u.Email, u.PasswordHash, u.Role, now).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return auth.ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	const q = `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
	return s.exec(ctx, "update password", q, id, passwordHash, time.Now().UTC())
}

// ReplacePassword sets a new hash and revokes all of the user's refresh
// tokens in one transaction.
func (s *Store) ReplacePassword(ctx context.Context, id, passwordHash string, now time.Time) error {
	return db.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		const upd = `UPDATE users SET password_hash = $2, updated_at = $3 WHERE id = $1`
		res, err := tx.ExecContext(ctx, upd, id, passwordHash, now)
		if err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update password: %w", err)
		} else if n == 0 {
			return auth.ErrUserNotFound
		}
		const revoke = `UPDATE refresh_tokens SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
		if _, err := tx.ExecContext(ctx, revoke, id, now); err != nil {
			return fmt.Errorf("revoke user refresh tokens: %w", err)
		}
		return nil
	})
}

func (s *Store) UpdateRole(ctx context.Context, id string, role auth.Role) error {
	const q = `UPDATE users SET role = $2, updated_at = $3 WHERE id = $1`
	return s.exec(ctx, "update role", q, id, string(role), time.Now().UTC())
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, "delete user", `DELETE FROM users WHERE id = $1`, id)
}

func (s *Store) exec(ctx context.Context, op, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return auth.ErrUserNotFound
	}
	return nil
}

type ListFilter struct {
	Role   auth.Role
	Email  string
	Limit  int
	Offset int
}

type Page struct {
	Users  []auth.User `json:"users"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

func (s *Store) List(ctx context.Context, f ListFilter) (*Page, error) {
	clauses := []string{"1=1"}
	args := []any{}
	idx := 1
	if f.Role != "" {
		clauses = append(clauses, "role = $"+itoa(idx))
		args = append(args, string(f.Role))
		idx++
	}
	if f.Email != "" {
		clauses = append(clauses, "email LIKE $"+itoa(idx))
		args = append(args, "%"+escapeLike(auth.NormalizeEmail(f.Email))+"%")
		idx++
	}
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	where := strings.Join(clauses, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	query := selectUser + " WHERE " + where +
		" ORDER BY created_at DESC LIMIT " + itoa(limit) + " OFFSET " + itoa(offset)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	page := &Page{Users: []auth.User{}, Total: total, Limit: limit, Offset: offset}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		page.Users = append(page.Users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return page, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func itoa(i int) string {
	return strconv.Itoa(i)
}

type usersFile struct {
	Users []struct {
		Email    string `yaml:"email"`
		Password string `yaml:"password"`
		Role     string `yaml:"role"`
	} `yaml:"users"`
}

// SeedFromFile creates the accounts listed in a YAML file unless they exist.
// A missing file is not an error.
func (s *Store) SeedFromFile(ctx context.Context, path string, hasher *auth.Hasher) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	var uf usersFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return 0, fmt.Errorf("parse users file: %w", err)
	}
	created := 0
	for _, entry := range uf.Users {
		if entry.Email == "" || entry.Password == "" {
			continue
		}
		role, ok := auth.ParseRole(entry.Role)
		if !ok {
			role = auth.RoleUser
		}
		if _, err := s.GetByEmail(ctx, entry.Email); err == nil {
			continue
		} else if !errors.Is(err, auth.ErrUserNotFound) {
			return created, err
		}
		hash, err := hasher.Hash(entry.Password)
		if err != nil {
			return created, err
		}
		if err := s.Create(ctx, &auth.User{Email: entry.Email, PasswordHash: hash, Role: role}); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
