package dto

// CreateUserRequest is the registration payload. It has no role field: a role
// sent by the client is dropped by the JSON decoder.
type CreateUserRequest struct {
	Username string `json:"username" binding:"required,max=150"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

type CreateBookRequest struct {
	BookName   string  `json:"book_name" binding:"required"`
	Price      float64 `json:"price" binding:"gte=0"`
	AuthorName *string `json:"author_name"`
}

type AssignBookRequest struct {
	UserID     uint   `json:"user_id" binding:"required"`
	AuthorName string `json:"author_name"`
	BookName   string `json:"book_name" binding:"required"`
}

type SubmitBookRequest struct {
	BookID uint `json:"book_id" binding:"required"`
	UserID uint `json:"user_id" binding:"required"`
}

type DeleteBookRequest struct {
	BookID uint `json:"book_id" binding:"required"`
}
