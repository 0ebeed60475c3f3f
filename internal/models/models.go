package models

import (
	"strings"
	"time"
)

type UserRole string

const (
	UserRoleSuperAdmin     UserRole = "super_admin"
	UserRoleLibraryManager UserRole = "library_manager"
	UserRoleReader         UserRole = "reader"
)

// ParseUserRole accepts the stored form ("library_manager") as well as the
// upper-case enum name ("LIBRARY_MANAGER").
func ParseUserRole(s string) (UserRole, bool) {
	switch UserRole(strings.ToLower(strings.TrimSpace(s))) {
	case UserRoleSuperAdmin:
		return UserRoleSuperAdmin, true
	case UserRoleLibraryManager:
		return UserRoleLibraryManager, true
	case UserRoleReader:
		return UserRoleReader, true
	}
	return "", false
}

type User struct {
	ID        uint      `gorm:"column:user_id;primaryKey" json:"user_id"`
	Username  string    `gorm:"size:150;not null;uniqueIndex" json:"username"`
	Email     string    `gorm:"size:255;not null" json:"email"`
	Password  string    `gorm:"size:255;not null" json:"-"`
	Role      UserRole  `gorm:"size:32;not null;default:'reader'" json:"role"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (User) TableName() string { return "user" }

type Book struct {
	ID          uint    `gorm:"column:book_id;primaryKey" json:"book_id"`
	Name        string  `gorm:"column:book_name;size:255;not null;index:idx_book_name_author" json:"book_name"`
	Price       float64 `gorm:"not null" json:"price"`
	AuthorName  *string `gorm:"size:255;index:idx_book_name_author" json:"author_name"`
	IsAvailable bool    `gorm:"not null;default:true" json:"is_available"`
	IsDeleted   bool    `gorm:"not null;default:false" json:"is_deleted"`
}

func (Book) TableName() string { return "book" }

// Assignment is keyed by (user, book): a user holds at most one row per book,
// and the row is open while SubmittedDate is nil.
type Assignment struct {
	UserID        uint       `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	User          User       `gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	BookID        uint       `gorm:"primaryKey;autoIncrement:false;index" json:"book_id"`
	Book          Book       `gorm:"foreignKey:BookID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT;" json:"-"`
	ReceiveDate   time.Time  `gorm:"not null" json:"receive_date"`
	SubmittedDate *time.Time `json:"submitted_date"`
	ExpiryDate    time.Time  `gorm:"not null" json:"expiry_date"`
}

func (Assignment) TableName() string { return "assignment" }

// IsOpen reports whether the loan is still outstanding.
func (a *Assignment) IsOpen() bool {
	return a.SubmittedDate == nil
}
