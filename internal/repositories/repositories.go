package repositories

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"librarydesk/internal/models"
)

// ErrAssignmentStillOpen is returned by Open when the (user, book) key already
// holds an outstanding loan.
var ErrAssignmentStillOpen = errors.New("assignment is still open")

type UserRepository interface {
	Create(db *gorm.DB, user *models.User) error
	GetByID(db *gorm.DB, id uint) (*models.User, error)
	GetByUsername(db *gorm.DB, username string) (*models.User, error)
	List(db *gorm.DB) ([]models.User, error)
	UpdateRole(db *gorm.DB, id uint, role models.UserRole) error
}

type BookRepository interface {
	Create(db *gorm.DB, book *models.Book) error
	GetByID(db *gorm.DB, id uint) (*models.Book, error)
	List(db *gorm.DB) ([]models.Book, error)
	FindAssignable(db *gorm.DB, name, author string) (*models.Book, error)
	MarkUnavailable(db *gorm.DB, id uint) (bool, error)
	MarkAvailable(db *gorm.DB, id uint) error
	SoftDelete(db *gorm.DB, id uint) error
}

type AssignmentRepository interface {
	Open(db *gorm.DB, assignment *models.Assignment) error
	Get(db *gorm.DB, userID, bookID uint) (*models.Assignment, error)
	MarkSubmitted(db *gorm.DB, userID, bookID uint, at time.Time) (bool, error)
	List(db *gorm.DB) ([]models.Assignment, error)
}

// concrete implementations

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) Create(db *gorm.DB, user *models.User) error {
	if db == nil {
		db = r.db
	}
	return db.Create(user).Error
}

func (r *userRepository) GetByID(db *gorm.DB, id uint) (*models.User, error) {
	if db == nil {
		db = r.db
	}
	var user models.User
	if err := db.First(&user, "user_id = ?", id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByUsername(db *gorm.DB, username string) (*models.User, error) {
	if db == nil {
		db = r.db
	}
	var user models.User
	if err := db.Where("username = ?", username).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) List(db *gorm.DB) ([]models.User, error) {
	if db == nil {
		db = r.db
	}
	var users []models.User
	if err := db.Order("user_id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (r *userRepository) UpdateRole(db *gorm.DB, id uint, role models.UserRole) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.User{}).
		Where("user_id = ?", id).
		Updates(map[string]interface{}{
			"role":       role,
			"updated_at": time.Now().UTC(),
		}).Error
}

type bookRepository struct {
	db *gorm.DB
}

func NewBookRepository(db *gorm.DB) BookRepository {
	return &bookRepository{db: db}
}

func (r *bookRepository) Create(db *gorm.DB, book *models.Book) error {
	if db == nil {
		db = r.db
	}
	return db.Create(book).Error
}

func (r *bookRepository) GetByID(db *gorm.DB, id uint) (*models.Book, error) {
	if db == nil {
		db = r.db
	}
	var book models.Book
	if err := db.First(&book, "book_id = ?", id).Error; err != nil {
		return nil, err
	}
	return &book, nil
}

func (r *bookRepository) List(db *gorm.DB) ([]models.Book, error) {
	if db == nil {
		db = r.db
	}
	var books []models.Book
	if err := db.Order("book_id").Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

// FindAssignable returns the lowest-id book matching name and author that is
// available and not deleted. An empty author matches books without one.
func (r *bookRepository) FindAssignable(db *gorm.DB, name, author string) (*models.Book, error) {
	if db == nil {
		db = r.db
	}
	q := db.Where("book_name = ? AND is_available = ? AND is_deleted = ?", name, true, false)
	if author == "" {
		q = q.Where("(author_name IS NULL OR author_name = '')")
	} else {
		q = q.Where("author_name = ?", author)
	}
	var book models.Book
	if err := q.Order("book_id").First(&book).Error; err != nil {
		return nil, err
	}
	return &book, nil
}

// MarkUnavailable flips is_available to false only if the book is still
// available and not deleted. It reports whether this call won the flip.
func (r *bookRepository) MarkUnavailable(db *gorm.DB, id uint) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Book{}).
		Where("book_id = ? AND is_available = ? AND is_deleted = ?", id, true, false).
		Update("is_available", false)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkAvailable puts a book back on the shelf. Deleted books are left as they
// are.
func (r *bookRepository) MarkAvailable(db *gorm.DB, id uint) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.Book{}).
		Where("book_id = ? AND is_deleted = ?", id, false).
		Update("is_available", true).
		Error
}

func (r *bookRepository) SoftDelete(db *gorm.DB, id uint) error {
	if db == nil {
		db = r.db
	}
	return db.Model(&models.Book{}).
		Where("book_id = ?", id).
		Update("is_deleted", true).
		Error
}

type assignmentRepository struct {
	db *gorm.DB
}

func NewAssignmentRepository(db *gorm.DB) AssignmentRepository {
	return &assignmentRepository{db: db}
}

// Open inserts a new loan. A row left behind by an earlier, submitted loan of
// the same book to the same user is reopened in place.
func (r *assignmentRepository) Open(db *gorm.DB, assignment *models.Assignment) error {
	if db == nil {
		db = r.db
	}
	res := db.Omit(clause.Associations).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"receive_date", "expiry_date", "submitted_date"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "assignment.submitted_date IS NOT NULL"},
		}},
	}).Create(assignment)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAssignmentStillOpen
	}
	return nil
}

// Get returns the assignment row for (user, book), open or submitted.
func (r *assignmentRepository) Get(db *gorm.DB, userID, bookID uint) (*models.Assignment, error) {
	if db == nil {
		db = r.db
	}
	var a models.Assignment
	if err := db.Where("user_id = ? AND book_id = ?", userID, bookID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// MarkSubmitted stamps the submission date on the open loan for (user, book).
// It reports false when no open loan matched.
func (r *assignmentRepository) MarkSubmitted(db *gorm.DB, userID, bookID uint, at time.Time) (bool, error) {
	if db == nil {
		db = r.db
	}
	res := db.Model(&models.Assignment{}).
		Where("user_id = ? AND book_id = ? AND submitted_date IS NULL", userID, bookID).
		Update("submitted_date", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *assignmentRepository) List(db *gorm.DB) ([]models.Assignment, error) {
	if db == nil {
		db = r.db
	}
	var assignments []models.Assignment
	if err := db.Order("receive_date, user_id, book_id").Find(&assignments).Error; err != nil {
		return nil, err
	}
	return assignments, nil
}
