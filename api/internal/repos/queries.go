package repos // 仓储包

import ( // 依赖导入
	"context" // 上下文处理
	_ "embed" // 内嵌建表脚本
	"errors"  // 错误判断

	"github.com/jackc/pgx/v5"        // pgx 接口
	"github.com/jackc/pgx/v5/pgconn" // 连接命令结果
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-rental-system/api/internal/models" // 领域模型
)

//go:embed schema.sql
var Schema string // 建表脚本

type DBTX interface { // 数据库事务/连接抽象
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error) // 执行语句
	Query(context.Context, string, ...any) (pgx.Rows, error)         // 查询多行
	QueryRow(context.Context, string, ...any) pgx.Row                // 查询单行
}

// Store bundles every repository so one value satisfies the domain store
// interfaces.
type Store struct { // 仓储集合
	*VehiclesRepo  // 车辆与车型
	*ContractsRepo // 合同、事件与收费
	*AccidentsRepo // 事故报告
}

func NewStore(pool *pgxpool.Pool) *Store { // 创建仓储集合
	return &Store{
		VehiclesRepo:  NewVehiclesRepo(pool),
		ContractsRepo: NewContractsRepo(pool),
		AccidentsRepo: NewAccidentsRepo(pool),
	}
}

// ApplySchema creates missing tables; used by local runs and integration tests.
func ApplySchema(ctx context.Context, db DBTX) error { // 执行建表脚本
	_, err := db.Exec(ctx, Schema)
	return err
}

func notFound(err error) error { // 将无结果映射为领域错误
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool { // 是否唯一约束冲突
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
